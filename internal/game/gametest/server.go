// Package gametest provides fake rcssserver binaries for tests.
package gametest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// prologue extracts the log directory and the game id from the server
// arguments into $dir and $id.
const prologue = `#!/bin/sh
for arg in "$@"; do
	case "$arg" in
	--server::game_log_dir=*) dir="${arg#--server::game_log_dir=}" ;;
	esac
done
id=$(basename "$dir")
`

// Behaviours of a fake server.
const (
	// Complete writes a complete game log and exits 0.
	Complete = `echo "ULG5" > "$dir/$id.rcg"; echo "$id" > "$dir/$id.rcl"`
	// Incomplete writes a log marked as incomplete.
	Incomplete = `echo "ULG5" > "$dir/incomplete-$id.rcg"`
	// Crash exits with an error without any output.
	Crash = `echo "bind: address already in use" 1>&2; exit 1`
	// Hang forks a worker and never returns.
	Hang = `sleep 300 & sleep 300 & wait`
	// Orphan leaves a worker outside the process tree holding the server
	// output, its pid is written to $dir/orphan.pid.
	Orphan = `(sleep 300 & echo $! > "$dir/orphan.pid"); sleep 300`
)

// Server writes an executable fake server running body and returns its path.
func Server(t testing.TB, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rcssserver")
	err := os.WriteFile(path, []byte(prologue+body+"\n"), 0o755)
	require.NoError(t, err)
	return path
}
