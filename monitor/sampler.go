package monitor

import (
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// Sampler reads raw resource figures. The default implementation reads the
// Go runtime and procfs.
type Sampler interface {
	// HeapBytes returns the bytes currently allocated on the Go heap.
	HeapBytes() (uint64, error)
	// Process returns resident memory and consumed CPU time of pid.
	Process(pid int) (rss uint64, cpu time.Duration, err error)
	// CPULoad returns the micro-benchmark duration relative to the baseline.
	// 1.0 means the host is as fast as when the baseline was taken.
	CPULoad() (float64, error)
}

const benchmarkIterations = 20000

var benchmarkSink uint64

// benchmark runs a fixed amount of integer work and returns how long it took.
func benchmark() time.Duration {
	start := time.Now()
	var acc uint64 = 1469598103934665603
	for i := uint64(0); i < benchmarkIterations; i++ {
		acc ^= i
		acc *= 1099511628211
	}
	benchmarkSink = acc
	return time.Since(start)
}

type hostSampler struct {
	baseline time.Duration
}

// NewHostSampler measures the benchmark baseline and returns a Sampler backed
// by the Go runtime and procfs.
func NewHostSampler() Sampler {
	best := benchmark()
	for i := 0; i < 4; i++ {
		if d := benchmark(); d < best {
			best = d
		}
	}
	if best <= 0 {
		best = time.Microsecond
	}
	return &hostSampler{baseline: best}
}

func (h *hostSampler) HeapBytes() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, nil
}

func (h *hostSampler) Process(pid int) (uint64, time.Duration, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read stat of process %d: %w", pid, err)
	}
	cpu := time.Duration(stat.CPUTime() * float64(time.Second))
	return uint64(stat.ResidentMemory()), cpu, nil
}

func (h *hostSampler) CPULoad() (float64, error) {
	d := benchmark()
	return float64(d) / float64(h.baseline), nil
}
