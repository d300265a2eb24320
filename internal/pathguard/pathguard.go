// Package pathguard derives and validates per-user working directories.
// Every path handed to an agent subprocess goes through here; nothing a
// caller supplies may resolve outside base_dir/<user_id>.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lflish/claude-agent-http/internal/errdefs"
)

const (
	maxUserIDLen = 64
	maxSubdirLen = 200
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateUserID checks the user id against the allowed character set.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id cannot be empty", errdefs.ErrInvalidInput)
	}
	if len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: user_id too long (max %d characters)", errdefs.ErrInvalidInput, maxUserIDLen)
	}
	if !userIDPattern.MatchString(userID) {
		return fmt.Errorf("%w: user_id must contain only alphanumeric characters, underscores, or hyphens", errdefs.ErrInvalidInput)
	}
	return nil
}

// validateSubdir sanitizes a relative subdirectory. Returns the trimmed
// form, which may be empty.
func validateSubdir(subdir string) (string, error) {
	if subdir == "" {
		return "", nil
	}
	if strings.ContainsRune(subdir, 0) {
		return "", fmt.Errorf("%w: null bytes not allowed in path", errdefs.ErrInvalidInput)
	}
	if len(subdir) > maxSubdirLen {
		return "", fmt.Errorf("%w: subdir too long (max %d characters)", errdefs.ErrInvalidInput, maxSubdirLen)
	}
	if strings.HasPrefix(subdir, "/") {
		return "", fmt.Errorf("%w: absolute path not allowed in subdir", errdefs.ErrInvalidInput)
	}
	if containsDotDot(subdir) {
		return "", fmt.Errorf("%w: path traversal (..) not allowed in subdir", errdefs.ErrInvalidInput)
	}
	return strings.Trim(subdir, "/"), nil
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// BuildCwd joins base_dir/user_id[/subdir], normalizes it lexically and
// verifies the result is still rooted under base_dir/user_id.
func BuildCwd(baseDir, userID, subdir string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	sub, err := validateSubdir(subdir)
	if err != nil {
		return "", err
	}

	userBase := filepath.Clean(filepath.Join(baseDir, userID))
	cwd := userBase
	if sub != "" {
		cwd = filepath.Clean(filepath.Join(userBase, sub))
	}

	if !underneath(cwd, userBase) {
		return "", fmt.Errorf("%w: %s is not under %s", errdefs.ErrPathEscape, cwd, userBase)
	}
	return cwd, nil
}

// BuildAddDirs resolves the relative add_dirs against the user's subtree.
// Each entry must stay under base_dir/user_id after normalization.
func BuildAddDirs(baseDir, userID string, addDirs []string) ([]string, error) {
	if len(addDirs) == 0 {
		return nil, nil
	}
	userBase := filepath.Clean(filepath.Join(baseDir, userID))

	out := make([]string, 0, len(addDirs))
	for _, d := range addDirs {
		d = strings.Trim(d, "/")
		if d == "" {
			continue
		}
		if strings.HasPrefix(d, "/") {
			return nil, fmt.Errorf("%w: absolute path not allowed in add_dirs: %s", errdefs.ErrInvalidInput, d)
		}
		if containsDotDot(d) {
			return nil, fmt.Errorf("%w: path traversal (..) not allowed in add_dirs: %s", errdefs.ErrInvalidInput, d)
		}
		full := filepath.Clean(filepath.Join(userBase, d))
		if !underneath(full, userBase) {
			return nil, fmt.Errorf("%w: add_dirs entry %s resolves outside %s", errdefs.ErrPathEscape, d, userBase)
		}
		out = append(out, full)
	}
	return out, nil
}

// underneath reports whether path equals root or is a descendant of it.
// Both arguments must already be Clean.
func underneath(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// EnsureDir makes sure the directory exists. When autoCreate is false a
// missing directory is reported as invalid input rather than created.
func EnsureDir(path string, autoCreate bool) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("%w: path exists but is not a directory: %s", errdefs.ErrInvalidInput, path)
		}
		return nil
	case os.IsNotExist(err):
		if !autoCreate {
			return fmt.Errorf("%w: directory does not exist: %s", errdefs.ErrInvalidInput, path)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("stat %s: %w", path, err)
	}
}
