// Package profiling provides runtime profiling for the NIDS process
package profiling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
)

// Profiler serves pprof over HTTP and writes CPU and heap profiles to disk.
type Profiler struct {
	config     *Config
	httpServer *http.Server
	cpuFile    *os.File
	running    atomic.Bool
	mu         sync.Mutex
	logger     *logging.Logger
}

// Config holds profiler configuration
type Config struct {
	// HTTPAddr serves /debug/pprof/ when set
	HTTPAddr string

	// OutputDir receives a CPU profile for the whole run and a heap profile
	// at Stop when set
	OutputDir   string
	ProfileName string

	CPUProfileRate int

	// Block and mutex profiling rates. Zero leaves them disabled.
	BlockProfileRate int
	MutexProfileRate int
}

// DefaultConfig returns default profiler configuration
func DefaultConfig() *Config {
	return &Config{
		ProfileName:    "nids",
		CPUProfileRate: 100,
	}
}

// Enabled reports whether the configuration asks for any profiling.
func (c *Config) Enabled() bool {
	return c.HTTPAddr != "" || c.OutputDir != ""
}

// New creates a new Profiler
func New(cfg *Config) (*Profiler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ProfileName == "" {
		cfg.ProfileName = "nids"
	}

	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}

	return &Profiler{config: cfg, logger: logging.Default().WithComponent("profiling")}, nil
}

// Start enables the configured profiles.
func (p *Profiler) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("profiling: profiler already running")
	}

	if p.config.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(p.config.BlockProfileRate)
	}
	if p.config.MutexProfileRate > 0 {
		runtime.SetMutexProfileFraction(p.config.MutexProfileRate)
	}

	if p.config.HTTPAddr != "" {
		p.httpServer = &http.Server{
			Addr:              p.config.HTTPAddr,
			Handler:           Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Warn("pprof HTTP server error", logging.Err(err))
			}
		}()
		p.logger.Info("pprof server listening", "addr", p.config.HTTPAddr)
	}

	if p.config.OutputDir != "" {
		if err := p.startCPUProfile(); err != nil {
			p.running.Store(false)
			return err
		}
	}
	return nil
}

// Stop ends CPU profiling, writes the heap profile and stops the HTTP server.
func (p *Profiler) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return errors.New("profiling: profiler not running")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.cpuFile != nil {
		runtimepprof.StopCPUProfile()
		errs = append(errs, p.cpuFile.Close())
		p.cpuFile = nil
	}

	if p.config.OutputDir != "" {
		errs = append(errs, p.writeHeapProfile())
	}

	if p.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, p.httpServer.Shutdown(ctx))
		p.httpServer = nil
	}
	return errors.Join(errs...)
}

// Handler returns the pprof handlers on their own mux, so profiling is never
// exposed on the API listener by accident.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func (p *Profiler) profilePath(kind string) string {
	timestamp := time.Now().Format("20060102-150405")
	return filepath.Join(p.config.OutputDir,
		fmt.Sprintf("%s-%s-%s.pprof", p.config.ProfileName, kind, timestamp))
}

// startCPUProfile starts CPU profiling to file
func (p *Profiler) startCPUProfile() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Create(p.profilePath("cpu"))
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}

	if p.config.CPUProfileRate > 0 {
		runtime.SetCPUProfileRate(p.config.CPUProfileRate)
	}
	if err := runtimepprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profile: %w", err)
	}

	p.cpuFile = f
	return nil
}

// writeHeapProfile writes the heap profile to file
func (p *Profiler) writeHeapProfile() error {
	f, err := os.Create(p.profilePath("heap"))
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()

	runtime.GC() // Get up-to-date statistics
	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}
