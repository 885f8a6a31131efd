// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

import "runtime"

// SetAffinity pins the current OS thread to a given logical CPU. Callers must
// hold runtime.LockOSThread. On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// CPUFor picks the core for engine idx when cores [0, start) are reserved:
// start + idx % (NumCPU - start). With no cores left above start it wraps
// over all of them.
func CPUFor(start, idx int) int {
	n := runtime.NumCPU()
	if start < 0 || start >= n {
		return idx % n
	}
	return start + idx%(n-start)
}

// LockThread wires the calling goroutine to its OS thread and, when enable is
// set, pins that thread to CPUFor(start, idx). The returned func restores the
// thread's previous CPU mask before undoing the lock, so the scheduler never
// gets a narrowed thread back. Pinning failures are returned but the thread
// stays locked.
func LockThread(enable bool, start, idx int) (unlock func(), err error) {
	runtime.LockOSThread()
	if !enable {
		return runtime.UnlockOSThread, nil
	}
	restore, err := pinPlatform(CPUFor(start, idx))
	return func() {
		if restore != nil {
			restore()
		}
		runtime.UnlockOSThread()
	}, err
}
