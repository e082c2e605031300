// Package profiling captures a CPU profile when a recorded call is slower than
// a threshold. It is installed as a capture observer, so it sees every
// measurement after it has been stored.
package profiling

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime/pprof"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/pkg/config"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type Profiler struct {
	config config.SlowCallProfiling
	dir    string
	log    *zap.Logger

	cooldowns     map[string]time.Time
	cooldownsLock sync.Mutex

	// profile runs in its own goroutine for every accepted slow call.
	profile func(name string)
	wg      sync.WaitGroup
}

// NewProfiler returns nil when slow call profiling is disabled. A nil
// *Profiler is a valid no-op observer.
func NewProfiler(cfg config.SlowCallProfiling, dir string, log *zap.Logger) *Profiler {
	if !cfg.Enabled {
		return nil
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if log == nil {
		log = logger.Nop()
	}
	log.Info("slow call profiler initialized",
		zap.Duration("threshold", cfg.Threshold),
		zap.Duration("duration", cfg.Duration),
		zap.Duration("cooldown", cfg.Cooldown),
		zap.String("dir", dir),
	)

	p := &Profiler{
		config:    cfg,
		dir:       dir,
		log:       log,
		cooldowns: make(map[string]time.Time),
	}
	p.profile = p.startProfiling
	return p
}

func (p *Profiler) Observe(m measurement.Measurement) {
	if p == nil {
		return
	}
	p.ProfileIfSlow(m.Name, time.Duration(m.Elapsed*float64(time.Second)))
}

// ProfileIfSlow starts a CPU profile for name when elapsed reaches the
// threshold and name is not cooling down.
func (p *Profiler) ProfileIfSlow(name string, elapsed time.Duration) {
	if p == nil || elapsed < p.config.Threshold {
		return
	}

	if p.isCoolingDown(name) {
		p.log.Debug("slow call in cooldown", zap.String("name", name), zap.Duration("elapsed", elapsed))
		return
	}

	p.log.Info("slow call exceeded threshold, starting CPU profile",
		zap.String("name", name),
		zap.Duration("elapsed", elapsed),
		zap.Duration("threshold", p.config.Threshold),
	)
	p.setCooldown(name)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.profile(name)
	}()
}

// Wait blocks until every running profile has been written.
func (p *Profiler) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}

func (p *Profiler) startProfiling(name string) {
	filename := filepath.Join(p.dir, fmt.Sprintf("profile_%s_%d.pprof", sanitize(name), time.Now().Unix()))

	f, err := os.Create(filename)
	if err != nil {
		p.log.Error("failed to create profile file", zap.String("name", name), zap.Error(err))
		return
	}
	defer f.Close()

	if err := pprof.StartCPUProfile(f); err != nil {
		p.log.Warn("failed to start CPU profile", zap.String("name", name), zap.Error(err))
		return
	}

	time.Sleep(p.config.Duration)
	pprof.StopCPUProfile()

	p.log.Info("CPU profile completed", zap.String("name", name), zap.String("file", filename))
}

func (p *Profiler) isCoolingDown(name string) bool {
	p.cooldownsLock.Lock()
	defer p.cooldownsLock.Unlock()

	if cooldownEnd, exists := p.cooldowns[name]; exists {
		if time.Now().Before(cooldownEnd) {
			return true
		}
		delete(p.cooldowns, name)
	}
	return false
}

func (p *Profiler) setCooldown(name string) {
	p.cooldownsLock.Lock()
	defer p.cooldownsLock.Unlock()

	p.cooldowns[name] = time.Now().Add(p.config.Cooldown)
}

func sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if s == "" {
		return "call"
	}
	return s
}
