//go:build linux

package runtime

import (
	goruntime "runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU locks the calling goroutine to its OS thread and binds that
// thread to cpu. The lock is never released; the goroutine owns the thread
// until it exits.
func pinToCPU(cpu int) error {
	goruntime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(unix.Gettid(), &set)
}
