package worker

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// GopsutilSampler is the real CPUSampler: per-CPU utilization sampled
// via gopsutil, turned into idle-core count.
type GopsutilSampler struct {
	// SampleWindowMillis is how long cpu.Percent blocks to measure average
	// utilization; zero uses the non-blocking "since last call" mode.
	SampleWindowMillis int
}

func NewGopsutilSampler() *GopsutilSampler {
	return &GopsutilSampler{}
}

func (g *GopsutilSampler) IdleCPUs() (float64, error) {
	window := time.Duration(g.SampleWindowMillis) * time.Millisecond
	percents, err := cpu.Percent(window, true)
	if err != nil {
		return 0, fmt.Errorf("worker: sample CPU: %w", err)
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("worker: no CPUs reported")
	}

	var used float64
	for _, p := range percents {
		used += p / 100.0
	}
	idle := float64(len(percents)) - used
	if idle < 0 {
		idle = 0
	}
	return idle, nil
}
