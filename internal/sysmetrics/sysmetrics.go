// Package sysmetrics reads process-level CPU, memory and goroutine figures
// for the metrics endpoint.
package sysmetrics

import (
	"runtime"
	"syscall"
	"time"
)

// Process is a point-in-time reading of the running process.
type Process struct {
	// CPU is user plus system time consumed since process start.
	CPU time.Duration

	// MemoryInuse is HeapInuse plus StackInuse: memory committed by the Go
	// runtime, excluding reserved address space.
	MemoryInuse uint64

	// Goroutines includes fetch workers blocked on camera responses.
	Goroutines int
}

// Read samples the current process.
func Read() Process {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	user, sys := rusageTimes()
	return Process{
		CPU:         user + sys,
		MemoryInuse: m.HeapInuse + m.StackInuse,
		Goroutines:  runtime.NumGoroutine(),
	}
}

func rusageTimes() (user, sys time.Duration) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0, 0
	}
	return time.Duration(rusage.Utime.Nano()), time.Duration(rusage.Stime.Nano())
}
