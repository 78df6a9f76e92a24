package detect

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider publishes immutable Registry snapshots. Readers take the
// current snapshot once per request and keep it for the request's
// lifetime; reloads swap in a whole new Registry and never mutate a
// published one.
type Provider struct {
	current atomic.Pointer[Registry]

	allowlistDir string
	patternPath  string
	log          *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewProvider builds the initial registry from the allowlist directory
// and custom pattern file and returns a provider holding it.
func NewProvider(allowlistDir, patternPath string, log *zap.Logger) (*Provider, error) {
	p := &Provider{
		allowlistDir: allowlistDir,
		patternPath:  patternPath,
		log:          log,
		done:         make(chan struct{}),
	}
	reg, err := p.build()
	if err != nil {
		return nil, err
	}
	p.current.Store(reg)
	return p, nil
}

// Current returns the active registry snapshot.
func (p *Provider) Current() *Registry { return p.current.Load() }

// Reload rebuilds the registry from disk and publishes it.
func (p *Provider) Reload() error {
	reg, err := p.build()
	if err != nil {
		return err
	}
	p.current.Store(reg)
	p.log.Info("detector registry reloaded",
		zap.Int("allowlist_entries", reg.Allowlist().Len()),
		zap.Strings("detectors", reg.Detectors()))
	return nil
}

func (p *Provider) build() (*Registry, error) {
	detectors := BuiltinDetectors()

	custom, _, err := LoadCustomPatterns(p.patternPath, p.log)
	if err != nil {
		return nil, err
	}
	detectors = append(detectors, custom...)

	allowlist, err := LoadAllowlistDir(p.allowlistDir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(detectors, allowlist), nil
}

// Watch starts a filesystem watcher on the allowlist directory and
// custom pattern file; any write or rename triggers a reload. Call
// Close to stop watching.
func (p *Provider) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	p.watcher = w

	if p.allowlistDir != "" {
		if err := w.Add(p.allowlistDir); err != nil {
			p.log.Warn("allowlist dir not watchable", zap.String("dir", p.allowlistDir), zap.Error(err))
		}
	}
	if p.patternPath != "" {
		if err := w.Add(p.patternPath); err != nil {
			p.log.Warn("pattern file not watchable", zap.String("path", p.patternPath), zap.Error(err))
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if err := p.Reload(); err != nil {
					p.log.Error("registry reload failed", zap.Error(err))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Warn("filesystem watch error", zap.Error(err))
			case <-p.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (p *Provider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
