package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// KillTree kills pid and every descendant. Processes are suspended top-down
// while the tree is enumerated, so none of them can fork a new child which
// would escape, then killed leaves first. A process which is already gone is
// not an error.
func KillTree(ctx context.Context, pid int) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if gone(err) {
			return nil
		}
		return fmt.Errorf("looking up process %d: %w", pid, err)
	}

	tree := collect(ctx, root, true)
	var errs []error
	for i := len(tree) - 1; i >= 0; i-- {
		p := tree[i]
		if err := p.KillWithContext(ctx); err != nil && !gone(err) {
			errs = append(errs, fmt.Errorf("killing %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}

// collect walks the tree breadth first. With freeze, each process is
// suspended before its children are listed.
func collect(ctx context.Context, root *process.Process, freeze bool) []*process.Process {
	tree := []*process.Process{root}
	if freeze {
		_ = root.SuspendWithContext(ctx)
	}
	for i := 0; i < len(tree); i++ {
		children, err := tree[i].ChildrenWithContext(ctx)
		if err != nil {
			// ErrorNoChildren or the process has just gone
			continue
		}
		for _, c := range children {
			if freeze {
				_ = c.SuspendWithContext(ctx)
			}
			tree = append(tree, c)
		}
	}
	return tree
}
