//go:build !unix

package process

import (
	"errors"

	"github.com/shirou/gopsutil/v4/process"
)

func gone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning)
}
