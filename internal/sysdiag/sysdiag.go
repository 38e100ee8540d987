// Package sysdiag periodically logs host memory and load pressure so
// operators can correlate lock latency spikes with the machine state.
package sysdiag

import (
	"context"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/svcfields"
)

// Option configures a Sampler.
type Option func(*Sampler)

// WithLogger supplies a logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Sampler) { s.log = l }
}

// Sampler logs one diagnostic line per interval.
type Sampler struct {
	interval time.Duration
	log      pslog.Logger
}

// New builds a sampler; interval must be positive.
func New(interval time.Duration, opts ...Option) *Sampler {
	s := &Sampler{
		interval: interval,
		log:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = svcfields.WithSubsystem(s.log, "sysdiag")
	return s
}

// Run samples until ctx is done. One line is emitted immediately so a
// freshly started server logs its baseline.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	fields := make([]any, 0, 16)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fields = append(fields,
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc", humanize.IBytes(ms.HeapAlloc),
		"heap_sys", humanize.IBytes(ms.HeapSys),
		"gc_cycles", ms.NumGC,
	)

	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields,
			"mem_used", humanize.IBytes(vm.Used),
			"mem_total", humanize.IBytes(vm.Total),
			"mem_used_pct", int(vm.UsedPercent),
		)
	} else {
		s.log.Debug("memory sample failed", "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		fields = append(fields,
			"load1", avg.Load1,
			"load5", avg.Load5,
			"load15", avg.Load15,
		)
	} else {
		s.log.Debug("load sample failed", "error", err)
	}

	s.log.Info("host diagnostics", fields...)
}
