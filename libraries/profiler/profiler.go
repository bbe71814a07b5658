package profiler

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/greymass/kvs/libraries/logger"
)

type Config struct {
	ServiceName string
	Interval    time.Duration // each cycle profiles for the whole interval
	TopN        int
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.TopN <= 0 {
		c.TopN = 20
	}
	if c.ServiceName == "" {
		c.ServiceName = "unknown"
	}
}

// Profiler repeatedly captures a CPU profile and logs the hottest
// functions on the "profiler" category.
type Profiler struct {
	cfg  Config
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func Start(cfg Config) *Profiler {
	cfg.fillDefaults()
	p := &Profiler{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	logger.Printf("profiler", "Starting periodic CPU profiling every %v", cfg.Interval)
	go p.loop()
	return p
}

func (p *Profiler) Stop() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		logger.Printf("profiler", "Stopped periodic CPU profiling")
	})
}

func (p *Profiler) loop() {
	defer close(p.done)
	for {
		var buf bytes.Buffer
		start := time.Now()
		if err := pprof.StartCPUProfile(&buf); err != nil {
			logger.Printf("profiler", "Could not start CPU profile: %v", err)
			return
		}
		timer := time.NewTimer(p.cfg.Interval)
		stopped := false
		select {
		case <-timer.C:
		case <-p.stop:
			timer.Stop()
			stopped = true
		}
		pprof.StopCPUProfile()

		if !stopped {
			p.report(&buf, start)
		}
		if stopped {
			return
		}
	}
}

func (p *Profiler) report(r io.Reader, start time.Time) {
	summary, err := summarize(r)
	if err != nil {
		logger.Printf("profiler", "Could not parse profile: %v", err)
		return
	}
	if summary.total == 0 {
		logger.Printf("profiler", "No CPU samples captured")
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Printf("profiler", "%s cpu profile at %s: %.2fs sampled over %v | goroutines=%d heap=%s gc=%d",
		p.cfg.ServiceName, start.Format("15:04:05"), summary.seconds(summary.total), p.cfg.Interval,
		runtime.NumGoroutine(), logger.FormatBytes(int64(m.HeapAlloc)), m.NumGC)

	var cum int64
	for i, fn := range summary.funcs {
		if i == p.cfg.TopN {
			break
		}
		cum += fn.flat
		logger.Printf("profiler", "%9.3fs %6.2f%% %6.2f%%  %s",
			summary.seconds(fn.flat),
			100*float64(fn.flat)/float64(summary.total),
			100*float64(cum)/float64(summary.total),
			fn.name)
	}
}

type funcSamples struct {
	name string
	flat int64
}

type cpuSummary struct {
	total  int64
	period int64 // nanoseconds per sample
	funcs  []funcSamples
}

func (s cpuSummary) seconds(samples int64) float64 {
	return float64(samples*s.period) / 1e9
}

// summarize attributes each sample to its leaf function and orders the
// functions by self samples.
func summarize(r io.Reader) (cpuSummary, error) {
	prof, err := profile.Parse(r)
	if err != nil {
		return cpuSummary{}, err
	}
	s := cpuSummary{period: 1_000_000}
	if prof.Period > 0 && len(prof.SampleType) > 0 && prof.SampleType[0].Unit == "nanoseconds" {
		s.period = prof.Period
	}

	flat := make(map[string]int64)
	for _, sample := range prof.Sample {
		if len(sample.Value) == 0 {
			continue
		}
		s.total += sample.Value[0]
		if len(sample.Location) == 0 || len(sample.Location[0].Line) == 0 {
			continue
		}
		if fn := sample.Location[0].Line[0].Function; fn != nil {
			flat[fn.Name] += sample.Value[0]
		}
	}
	for name, n := range flat {
		s.funcs = append(s.funcs, funcSamples{name: name, flat: n})
	}
	sort.Slice(s.funcs, func(i, j int) bool {
		if s.funcs[i].flat != s.funcs[j].flat {
			return s.funcs[i].flat > s.funcs[j].flat
		}
		return s.funcs[i].name < s.funcs[j].name
	})
	return s, nil
}

func (f funcSamples) String() string {
	return fmt.Sprintf("%s=%d", f.name, f.flat)
}
