// Package features tracks dependency health and derives per-tool
// availability: a tool whose dependency is down disappears from
// list_tools and calling it reports why instead of timing out.
package features

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
)

// Prober checks one dependency's reachability.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

// Ping implements Prober
func (f ProbeFunc) Ping(ctx context.Context) error { return f(ctx) }

// DepStatus is one dependency's last probe outcome.
type DepStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Manager owns the tool→dependency map and the background prober.
type Manager struct {
	cfg    config.FeatureConfig
	logger *zap.Logger

	mu       sync.RWMutex
	probers  map[string]Prober
	toolDeps map[string][]string
	status   map[string]DepStatus

	stopCh chan struct{}
	once   sync.Once
}

// NewManager creates an empty manager. Dependencies start healthy until
// the first probe says otherwise, so startup does not hide every tool.
func NewManager(cfg config.FeatureConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		probers:  make(map[string]Prober),
		toolDeps: make(map[string][]string),
		status:   make(map[string]DepStatus),
		stopCh:   make(chan struct{}),
	}
}

// RegisterDependency adds a probed dependency.
func (m *Manager) RegisterDependency(name string, prober Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[name] = prober
	m.status[name] = DepStatus{Name: name, Healthy: true}
}

// RegisterTool declares which dependencies a tool needs. A tool with no
// dependencies is always available.
func (m *Manager) RegisterTool(tool string, deps ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolDeps[tool] = deps
}

// Start launches the periodic prober. It probes once immediately.
func (m *Manager) Start(ctx context.Context) {
	m.ProbeNow(ctx)
	go m.loop(ctx)
}

// Stop halts the background prober.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ProbeNow(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProbeNow probes every dependency concurrently.
func (m *Manager) ProbeNow(ctx context.Context) {
	m.mu.RLock()
	probers := make(map[string]Prober, len(m.probers))
	for name, p := range m.probers {
		probers[name] = p
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, prober := range probers {
		wg.Add(1)
		go func(name string, prober Prober) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			err := prober.Ping(probeCtx)
			m.record(name, err)
		}(name, prober)
	}
	wg.Wait()
}

func (m *Manager) record(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.status[name]
	next := DepStatus{Name: name, Healthy: err == nil, LastCheck: time.Now().UTC()}
	if err != nil {
		next.LastError = err.Error()
	}
	m.status[name] = next

	if prev.Healthy != next.Healthy {
		if next.Healthy {
			m.logger.Info("Dependency recovered", zap.String("dependency", name))
		} else {
			m.logger.Warn("Dependency unhealthy",
				zap.String("dependency", name),
				zap.String("error", next.LastError))
		}
	}
}

// Available reports whether a tool's dependencies are all healthy. The
// reason names the first unhealthy dependency.
func (m *Manager) Available(tool string) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deps, ok := m.toolDeps[tool]
	if !ok {
		return true, ""
	}
	for _, dep := range deps {
		status, known := m.status[dep]
		if !known {
			continue
		}
		if !status.Healthy {
			reason := "dependency " + dep + " is unavailable"
			if status.LastError != "" {
				reason += ": " + status.LastError
			}
			return false, reason
		}
	}
	return true, ""
}

// FilterTools returns the subset of tools currently available.
func (m *Manager) FilterTools(tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		if ok, _ := m.Available(tool); ok {
			out = append(out, tool)
		}
	}
	return out
}

// Snapshot reports every dependency's status, sorted by name.
func (m *Manager) Snapshot() []DepStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DepStatus, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
