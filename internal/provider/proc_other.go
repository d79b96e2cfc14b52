//go:build !unix

package provider

import (
	"os/exec"
	"time"
)

// configureProcessGroup is a no-op beyond the default kill on platforms
// without process groups.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 2 * time.Second
}
