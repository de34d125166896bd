package resolver

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// Plugin extends every session of a service. Hooks run on the session's
// own goroutines and must not block.
type Plugin interface {
	Name() string
	OnOnline(s dmtp.SessionClient)
	OnClosed(s dmtp.SessionClient, reason error)
}

// PluginFactory builds a fresh plugin for one session scope.
type PluginFactory func(scope dmtp.Resolver) (Plugin, error)

var (
	pluginsMu sync.RWMutex
	plugins   = map[string]PluginFactory{
		"log": newLogPlugin,
	}
)

// RegisterPlugin adds a plugin to the catalog under name.
func RegisterPlugin(name string, f PluginFactory) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	plugins[name] = f
}

func pluginFactory(name string) (PluginFactory, bool) {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	f, ok := plugins[name]
	return f, ok
}

// Plugins lists the catalog.
func Plugins() []string {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// logPlugin logs session lifecycle transitions.
type logPlugin struct {
	logger *slog.Logger
}

func newLogPlugin(scope dmtp.Resolver) (Plugin, error) {
	logger, err := Get[*slog.Logger](scope, KeyLogger)
	if err != nil {
		logger = slog.Default()
	}
	return &logPlugin{logger: logger}, nil
}

func (p *logPlugin) Name() string { return "log" }

func (p *logPlugin) OnOnline(s dmtp.SessionClient) {
	p.logger.Info("Session online", "session", s.ID(), "remote", s.RemoteAddr())
}

func (p *logPlugin) OnClosed(s dmtp.SessionClient, reason error) {
	p.logger.Info("Session closed", "session", s.ID(), "remote", s.RemoteAddr(), "reason", reason)
}

func buildPlugins(names []string) Provider {
	return func(scope dmtp.Resolver) (any, error) {
		out := make([]Plugin, 0, len(names))
		for _, name := range names {
			f, ok := pluginFactory(name)
			if !ok {
				return nil, fmt.Errorf("unknown plugin '%s'", name)
			}
			p, err := f(scope)
			if err != nil {
				return nil, fmt.Errorf("plugin '%s': %w", name, err)
			}
			out = append(out, p)
		}
		return out, nil
	}
}
