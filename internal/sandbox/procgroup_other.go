//go:build !(darwin || linux)

package sandbox

import (
	"os/exec"
	"time"
)

const processGroupWaitDelay = 2 * time.Second

// setupProcessGroup only bounds pipe draining here; the child's own
// descendants are not tracked on this platform.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = processGroupWaitDelay
}
