package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

// Manager errors.
var (
	ErrBlocked       = errors.New("plugin is not allowed by policy")
	ErrAlreadyLoaded = errors.New("plugin already loaded")
	ErrNotLoaded     = errors.New("plugin not loaded")
)

// Info describes a loaded plugin for introspection.
type Info struct {
	Manifest  Manifest
	Source    string // "static" or the manifest file path
	Tools     []string
	Workflows []string
	LoadedAt  time.Time
}

type loaded struct {
	info Info
}

// Manager discovers, validates, and registers plugins against the tool
// registry and workflow engine.
type Manager struct {
	cfg       config.PluginsConfig
	tools     *tools.Registry
	workflows *workflow.Engine

	// Named handler tables for manifest plugins: a manifest references
	// handlers by name, the binary supplies the implementations.
	toolHandlers     map[string]tools.Handler
	workflowHandlers map[string]workflow.ExecuteFunc

	mu      sync.Mutex
	plugins map[string]*loaded
	// byPath maps manifest file paths to plugin names for watch events.
	byPath map[string]string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewManager creates a plugin manager.
func NewManager(cfg config.PluginsConfig, toolReg *tools.Registry, workflows *workflow.Engine) *Manager {
	return &Manager{
		cfg:              cfg,
		tools:            toolReg,
		workflows:        workflows,
		toolHandlers:     make(map[string]tools.Handler),
		workflowHandlers: make(map[string]workflow.ExecuteFunc),
		plugins:          make(map[string]*loaded),
		byPath:           make(map[string]string),
	}
}

// RegisterToolHandler adds a named handler manifest plugins may reference.
func (m *Manager) RegisterToolHandler(name string, handler tools.Handler) {
	m.mu.Lock()
	m.toolHandlers[name] = handler
	m.mu.Unlock()
}

// RegisterWorkflowHandler adds a named workflow body manifest plugins may
// reference.
func (m *Manager) RegisterWorkflowHandler(name string, fn workflow.ExecuteFunc) {
	m.mu.Lock()
	m.workflowHandlers[name] = fn
	m.mu.Unlock()
}

// allowed applies the block list, then the allow list (empty allows all).
func (m *Manager) allowed(name string) bool {
	if slices.Contains(m.cfg.BlockedList, name) {
		return false
	}
	if len(m.cfg.AllowedList) > 0 && !slices.Contains(m.cfg.AllowedList, name) {
		return false
	}
	return true
}

// RegisterStatic loads a compiled-in plugin.
func (m *Manager) RegisterStatic(ctx context.Context, p Static) error {
	if err := validateManifest(p.Manifest, len(p.Tools), len(p.Workflows), p.Initialize != nil); err != nil {
		return err
	}
	if !m.allowed(p.Manifest.Name) {
		return fmt.Errorf("%w: %s", ErrBlocked, p.Manifest.Name)
	}

	m.mu.Lock()
	if _, exists := m.plugins[p.Manifest.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, p.Manifest.Name)
	}
	m.mu.Unlock()

	if p.Initialize != nil {
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("plugin %q failed to initialize: %w", p.Manifest.Name, err)
		}
	}

	info := Info{Manifest: p.Manifest, Source: "static", LoadedAt: time.Now()}
	for _, tool := range p.Tools {
		if err := m.tools.Register(tool.Definition, tool.Handler, tool.Mode); err != nil {
			m.rollback(info)
			return fmt.Errorf("plugin %q: %w", p.Manifest.Name, err)
		}
		info.Tools = append(info.Tools, tool.Definition.Name)
	}
	for _, wf := range p.Workflows {
		wf.PluginInfo = p.Manifest.Name
		if err := m.workflows.Register(wf); err != nil {
			m.rollback(info)
			return fmt.Errorf("plugin %q: %w", p.Manifest.Name, err)
		}
		info.Workflows = append(info.Workflows, wf.Name)
	}

	m.mu.Lock()
	m.plugins[p.Manifest.Name] = &loaded{info: info}
	m.mu.Unlock()
	logger.Infow("loaded plugin", "plugin", p.Manifest.Name, "version", p.Manifest.Version,
		"tools", len(info.Tools), "workflows", len(info.Workflows))
	return nil
}

// Discover scans the configured discovery paths and loads every manifest
// candidate. Individual failures are logged and skipped; discovery returns
// an error only when a path cannot be read at all.
func (m *Manager) Discover(ctx context.Context) error {
	for _, dir := range m.cfg.DiscoveryPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Debugw("plugin discovery path missing", "path", dir)
				continue
			}
			return fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isManifestFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := m.LoadManifestFile(ctx, path); err != nil {
				logger.Warnw("skipping plugin manifest", "path", path, "error", err)
			}
		}
	}
	return nil
}

// isManifestFile reports whether a file name is a plugin manifest candidate.
// Test fixtures are excluded the same way source plugins excluded test files.
func isManifestFile(name string) bool {
	if strings.Contains(name, ".test.") || strings.Contains(name, ".spec.") {
		return false
	}
	return name == "plugin.json" || strings.HasSuffix(name, ".plugin.json")
}

// LoadManifestFile loads one manifest plugin from disk.
func (m *Manager) LoadManifestFile(_ context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := validateManifest(manifest, len(manifest.Tools), len(manifest.Workflows), false); err != nil {
		return err
	}
	if !m.allowed(manifest.Name) {
		return fmt.Errorf("%w: %s", ErrBlocked, manifest.Name)
	}

	m.mu.Lock()
	if _, exists := m.plugins[manifest.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, manifest.Name)
	}
	m.mu.Unlock()

	static, err := m.resolve(manifest)
	if err != nil {
		return err
	}

	info := Info{Manifest: manifest, Source: path, LoadedAt: time.Now()}
	for _, tool := range static.Tools {
		if err := m.tools.Register(tool.Definition, tool.Handler, tool.Mode); err != nil {
			m.rollback(info)
			return fmt.Errorf("plugin %q: %w", manifest.Name, err)
		}
		info.Tools = append(info.Tools, tool.Definition.Name)
	}
	for _, wf := range static.Workflows {
		if err := m.workflows.Register(wf); err != nil {
			m.rollback(info)
			return fmt.Errorf("plugin %q: %w", manifest.Name, err)
		}
		info.Workflows = append(info.Workflows, wf.Name)
	}

	m.mu.Lock()
	m.plugins[manifest.Name] = &loaded{info: info}
	m.byPath[path] = manifest.Name
	m.mu.Unlock()
	logger.Infow("loaded plugin", "plugin", manifest.Name, "version", manifest.Version, "source", path)
	return nil
}

// resolve binds a manifest's declared tools and workflows to the named
// handler tables.
func (m *Manager) resolve(manifest Manifest) (*Static, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	static := &Static{Manifest: manifest}
	for _, spec := range manifest.Tools {
		handler, ok := m.toolHandlers[spec.Handler]
		if !ok {
			return nil, fmt.Errorf("plugin %q tool %q references unknown handler %q",
				manifest.Name, spec.Name, spec.Handler)
		}
		mode := tools.HandlerMode(spec.HandlerMode)
		if mode == "" {
			mode = tools.ModeManaged
		}
		static.Tools = append(static.Tools, StaticTool{
			Definition: tools.Definition{
				Name:           spec.Name,
				Description:    spec.Description,
				Category:       spec.Category,
				Tags:           spec.Tags,
				RawInputSchema: spec.InputSchema,
			},
			Handler: handler,
			Mode:    mode,
		})
	}
	for _, spec := range manifest.Workflows {
		fn, ok := m.workflowHandlers[spec.Handler]
		if !ok {
			return nil, fmt.Errorf("plugin %q workflow %q references unknown handler %q",
				manifest.Name, spec.Name, spec.Handler)
		}
		var estimated time.Duration
		if spec.EstimatedDuration != "" {
			estimated, _ = time.ParseDuration(spec.EstimatedDuration)
		}
		static.Workflows = append(static.Workflows, workflow.Registration{
			Name:               spec.Name,
			Version:            spec.Version,
			Category:           spec.Category,
			Tags:               spec.Tags,
			Description:        spec.Description,
			EstimatedDuration:  estimated,
			RequiresAuth:       spec.RequiresAuth,
			RawParameterSchema: spec.ParameterSchema,
			PluginInfo:         manifest.Name,
			Execute:            fn,
		})
	}
	return static, nil
}

// rollback removes whatever a partially failed load already registered.
func (m *Manager) rollback(info Info) {
	for _, name := range info.Tools {
		m.tools.Unregister(name)
	}
	for _, name := range info.Workflows {
		m.workflows.Unregister(name)
	}
}

// Unload removes a plugin and exactly the registrations it contributed.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	entry, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	delete(m.plugins, name)
	if entry.info.Source != "static" {
		delete(m.byPath, entry.info.Source)
	}
	m.mu.Unlock()

	m.rollback(entry.info)
	logger.Infow("unloaded plugin", "plugin", name)
	return nil
}

// List returns the loaded plugins sorted by name.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.plugins))
	for _, entry := range m.plugins {
		out = append(out, entry.info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		return strings.Compare(a.Manifest.Name, b.Manifest.Name)
	})
	return out
}

// Watch starts an fsnotify watcher over the discovery paths: new or changed
// manifests are (re)loaded, removed manifests are unloaded. Stops when ctx
// is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create plugin watcher: %w", err)
	}
	for _, dir := range m.cfg.DiscoveryPaths {
		if err := watcher.Add(dir); err != nil {
			logger.Warnw("cannot watch plugin directory", "path", dir, "error", err)
		}
	}
	m.watcher = watcher
	m.watchDone = make(chan struct{})

	go func() {
		defer close(m.watchDone)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				m.handleWatchEvent(ctx, event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("plugin watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (m *Manager) handleWatchEvent(ctx context.Context, event fsnotify.Event) {
	if !isManifestFile(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		m.mu.Lock()
		name, tracked := m.byPath[event.Name]
		m.mu.Unlock()
		if tracked {
			if err := m.Unload(name); err != nil {
				logger.Warnw("failed to unload removed plugin", "path", event.Name, "error", err)
			}
		}
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		// A write to a loaded manifest is a reload.
		m.mu.Lock()
		name, tracked := m.byPath[event.Name]
		m.mu.Unlock()
		if tracked {
			if err := m.Unload(name); err != nil {
				logger.Warnw("failed to unload changed plugin", "path", event.Name, "error", err)
				return
			}
		}
		if err := m.LoadManifestFile(ctx, event.Name); err != nil {
			logger.Warnw("failed to load plugin manifest", "path", event.Name, "error", err)
		}
	}
}
