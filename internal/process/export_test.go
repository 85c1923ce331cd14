package process

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// Descendants returns the pids of all processes pid directly or transitively
// spawned, parents before their children.
func Descendants(ctx context.Context, pid int) ([]int32, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	tree := collect(ctx, root, false)
	ret := make([]int32, 0, len(tree)-1)
	for _, p := range tree[1:] {
		ret = append(ret, p.Pid)
	}
	return ret, nil
}

// Alive reports if pid is a running process. A zombie is not alive.
func Alive(ctx context.Context, pid int32) bool {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	statuses, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
