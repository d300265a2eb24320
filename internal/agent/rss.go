package agent

import (
	"github.com/shirou/gopsutil/v4/process"
)

// TreeRSS estimates resident memory in bytes for the subprocess and all
// of its descendants. A dead or unreadable process contributes zero.
func (c *Client) TreeRSS() uint64 {
	pid := c.PID()
	if pid == 0 {
		return 0
	}
	return treeRSS(int32(pid))
}

func treeRSS(pid int32) uint64 {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0
	}
	var total uint64
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		total += mem.RSS
	}
	children, err := proc.Children()
	if err != nil {
		return total
	}
	for _, child := range children {
		total += treeRSS(child.Pid)
	}
	return total
}

// ProcessRSS samples the current process's own tree. Used for the
// fleet-wide memory ceiling and health reporting.
func ProcessRSS(pid int) uint64 {
	if pid <= 0 {
		return 0
	}
	return treeRSS(int32(pid))
}
