package toolpool

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/async"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/mcp"
)

// ProviderSpec is one entry in the tool-provider manifest.
type ProviderSpec struct {
	Name    Name              `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Manifest is the YAML-decoded tool-provider manifest, hot-reloaded by
// Pool when its backing file changes (SPEC_FULL supplement #1).
type Manifest struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// LoadManifest reads and decodes a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolpool: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("toolpool: parse manifest: %w", err)
	}
	return &m, nil
}

// Pool is the bounded set of tool-provider clients named by the closed
// vocabulary in spec §4.6.
type Pool struct {
	logger logging.Logger

	mu      sync.RWMutex
	clients map[Name]*Client

	manifestPath string
	watcher      *fsnotify.Watcher
	stopWatch    chan struct{}

	callDuration *prometheus.HistogramVec
}

// Config configures a Pool.
type Config struct {
	ManifestPath string
	PathOverride map[string]string // provider name -> command override (*_TOOL_PATH env vars)
	Logger       logging.Logger
	Registerer   prometheus.Registerer
}

// New loads the manifest, builds one Client per declared provider, and
// starts a manifest-file watcher for hot reload.
func New(cfg Config) (*Pool, error) {
	manifest, err := LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		logger:       logging.OrNop(cfg.Logger),
		clients:      make(map[Name]*Client),
		manifestPath: cfg.ManifestPath,
		stopWatch:    make(chan struct{}),
	}
	if cfg.Registerer != nil {
		p.callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolpool_call_duration_seconds",
			Help:    "Tool provider call latency, by provider and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "outcome"})
		_ = cfg.Registerer.Register(p.callDuration)
	}

	for _, spec := range manifest.Providers {
		p.addClientLocked(spec, cfg.PathOverride)
	}

	if err := p.watch(); err != nil {
		p.logger.Warn("toolpool: manifest watch disabled: %v", err)
	}

	return p, nil
}

func (p *Pool) addClientLocked(spec ProviderSpec, overrides map[string]string) {
	command := spec.Command
	if override, ok := overrides[string(spec.Name)]; ok && override != "" {
		command = override
	}
	process := mcp.NewProcessManager(mcp.ProcessConfig{
		Command: command,
		Args:    spec.Args,
		Env:     spec.Env,
	}, p.logger)

	client := NewClient(spec.Name, process, 3, p.logger)
	if p.callDuration != nil {
		client.SetMetrics(p.callDuration)
	}

	p.mu.Lock()
	p.clients[spec.Name] = client
	p.mu.Unlock()
}

// ConnectAll connects every declared client, in parallel, tolerating
// individual failures (a failed provider just stays in StatusFailed).
func (p *Pool) ConnectAll(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		client := c
		go func() {
			defer wg.Done()
			if err := client.Connect(ctx); err != nil {
				p.logger.Warn("toolpool[%s]: initial connect failed: %v", client.name, err)
			}
		}()
	}
	wg.Wait()
}

// Client returns the named client, or nil if the pool has no such
// provider configured.
func (p *Pool) Client(name Name) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[name]
}

// Status returns every configured provider's connection state.
func (p *Pool) Status() map[Name]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Name]Status, len(p.clients))
	for name, c := range p.clients {
		out[name] = c.Status()
	}
	return out
}

// Capabilities returns the sorted union of method names advertised at
// handshake across currently-connected clients.
func (p *Pool) Capabilities() []string {
	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	set := make(map[string]struct{})
	for _, c := range clients {
		if c.Status() != StatusConnected {
			continue
		}
		for _, tool := range c.Capabilities() {
			set[tool] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tool := range set {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

// watch starts an fsnotify watcher on the manifest file so providers added
// to it are started without a restart (see reload).
func (p *Pool) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(p.manifestPath); err != nil {
		_ = watcher.Close()
		return err
	}
	p.watcher = watcher

	async.Go(p.logger, "toolpool.watchManifest", func() {
		var debounceC <-chan time.Time
		for {
			select {
			case <-p.stopWatch:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					debounceC = time.After(250 * time.Millisecond)
				}
			case <-debounceC:
				debounceC = nil
				p.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Error("toolpool: manifest watcher error: %v", err)
			}
		}
	})
	return nil
}

// reload re-reads the manifest and starts a client for every provider not
// yet in the pool. Providers already in the pool are left as they are,
// even if their spec changed, and providers no longer listed are not
// stopped or removed.
func (p *Pool) reload() {
	manifest, err := LoadManifest(p.manifestPath)
	if err != nil {
		p.logger.Error("toolpool: manifest reload failed: %v", err)
		return
	}

	seen := make(map[Name]struct{}, len(manifest.Providers))
	for _, spec := range manifest.Providers {
		seen[spec.Name] = struct{}{}

		p.mu.RLock()
		_, ok := p.clients[spec.Name]
		p.mu.RUnlock()

		if ok {
			continue // already running; this Pool does not hot-swap a live provider's argv
		}
		p.addClientLocked(spec, nil)
		if c := p.Client(spec.Name); c != nil {
			async.Go(p.logger, "toolpool.connectNew", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = c.Connect(ctx)
			})
		}
	}
	p.logger.Info("toolpool: manifest reloaded, %d providers declared", len(seen))
}

// Shutdown closes every client with the §4.6 shutdown protocol and stops
// the manifest watcher.
func (p *Pool) Shutdown() {
	close(p.stopWatch)
	if p.watcher != nil {
		_ = p.watcher.Close()
	}

	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		client := c
		go func() {
			defer wg.Done()
			_ = client.Close()
		}()
	}
	wg.Wait()
}
