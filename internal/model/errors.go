package model

import (
	"errors"
)

var (
	// ErrDependencyUnavailable is returned when a bundle is neither cached
	// nor obtainable from the remote storage.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrLaunchFailed means the server process could not be started.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrMalformedMessage is an unparsable or invalid job request. It is never retried.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrJobRejected is returned when the job manager declined a job.
	ErrJobRejected = errors.New("job rejected")
	// ErrArchivalFailed means the game log archive was not uploaded. The
	// archive stays on the local disk.
	ErrArchivalFailed = errors.New("archival failed")
	// ErrTransportDisconnected is reported on a lost broker connection.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrInvalidResult means the server did not produce a complete game log.
	ErrInvalidResult = errors.New("invalid result")
	// ErrStopped is the reason of a game ended by an explicit stop request.
	ErrStopped = errors.New("stopped")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrDependencyUnavailable, "DependencyUnavailable"},
	{ErrLaunchFailed, "LaunchFailed"},
	{ErrMalformedMessage, "MalformedMessage"},
	{ErrJobRejected, "JobRejected"},
	{ErrArchivalFailed, "ArchivalFailed"},
	{ErrTransportDisconnected, "TransportDisconnected"},
	{ErrInvalidResult, "InvalidResult"},
	{ErrStopped, "Stopped"},
}

// Kind classifies err into a short stable name used in logs, the store
// and the HTTP API. It returns "" for nil and "Internal" for an
// unclassified error.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
