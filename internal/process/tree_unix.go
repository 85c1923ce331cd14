//go:build unix

package process

import (
	"errors"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

func gone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, unix.ESRCH)
}
