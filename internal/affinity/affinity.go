// Package affinity pins the calling goroutine's OS thread to a single
// CPU core, one role per reactor queue.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread and sets
// that thread's CPU affinity to cpu. Callers must invoke Pin from the
// goroutine that will run the reactor loop — runtime.LockOSThread only
// affects the calling goroutine.
func Pin(cpu int) error {
	runtime.LockOSThread()

	numCPU := runtime.NumCPU()
	if cpu < 0 || cpu >= numCPU {
		return fmt.Errorf("affinity: cpu %d out of range (have %d cores)", cpu, numCPU)
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	tid := unix.Gettid()
	if err := unix.SchedSetaffinity(tid, &set); err != nil {
		return fmt.Errorf("affinity: pin tid %d to cpu %d: %w", tid, cpu, err)
	}
	return nil
}

// Topology describes what Detect observed about the host.
type Topology struct {
	NumCPU       int
	SufficientForOneCorePerQueue bool
}

// Detect reports whether the host has at least queues dedicated cores
// available, one per reactor, so the runner can warn when affinity
// pinning will contend.
func Detect(queues int) Topology {
	n := runtime.NumCPU()
	return Topology{NumCPU: n, SufficientForOneCorePerQueue: n >= queues}
}
