package pressure

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/prometheus/procfs"
)

// Sampler reports memory usage as a ratio in [0, 1]
type Sampler interface {
	Sample() (float64, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func() (float64, error)

// Sample calls f
func (f SamplerFunc) Sample() (float64, error) {
	return f()
}

// StaticSampler returns whatever ratio was last stored with Set
type StaticSampler struct {
	bits atomic.Uint64
}

// NewStaticSampler creates a sampler holding ratio
func NewStaticSampler(ratio float64) *StaticSampler {
	s := &StaticSampler{}
	s.Set(ratio)
	return s
}

// Set replaces the reported ratio
func (s *StaticSampler) Set(ratio float64) {
	s.bits.Store(math.Float64bits(ratio))
}

// Sample returns the stored ratio
func (s *StaticSampler) Sample() (float64, error) {
	return math.Float64frombits(s.bits.Load()), nil
}

// ProcSampler reads the resident set size of this process and divides it by
// MemTotal, both from procfs
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler opens procfs at its default mount point
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// NewProcSamplerAt opens procfs mounted at mountPoint
func NewProcSamplerAt(mountPoint string) (*ProcSampler, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample returns rss / MemTotal
func (s *ProcSampler) Sample() (float64, error) {
	proc, err := s.fs.Self()
	if err != nil {
		return 0, fmt.Errorf("failed to read own process: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to read process stat: %w", err)
	}
	info, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if info.MemTotal == nil || *info.MemTotal == 0 {
		return 0, fmt.Errorf("meminfo reports no MemTotal")
	}

	// MemTotal is in kB
	total := float64(*info.MemTotal) * 1024
	return math.Min(1, float64(stat.ResidentMemory())/total), nil
}
