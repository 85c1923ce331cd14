//go:build !linux

package ports

import (
	"errors"
)

func Sockets() ([]Socket, error) {
	return nil, errors.New("netlink socket dump is available only on Linux")
}
