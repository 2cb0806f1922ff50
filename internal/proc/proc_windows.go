//go:build windows

package proc

import "os"

// signaled always reports false: CreateProcess children have no signal
// termination, only an exit code.
func signaled(*os.ProcessState) (string, bool) {
	return "", false
}
