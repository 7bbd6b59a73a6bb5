package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/corekit/corekit/errs"
)

// Manifest describes how to discover components of a given type from a
// directory of manifest files. Each matching file is expected to contain
// a JSON object, which the manifest's Build function turns into zero or
// more component registrations.
type Manifest struct {
	// Glob is matched against file basenames within the discovery
	// directory (e.g. "*.component.json").
	Glob string
	// Build is invoked once per discovered file with the file's basename
	// (extension removed) and its decoded contents; it should register a
	// component (typically via Container.RegisterFactory). A non-nil error
	// marks that file as failed.
	Build func(c *Container, name string, raw map[string]any) error
}

// RegisterManifest associates typ with a discovery strategy, used by
// Discover and Watch.
func (c *Container) RegisterManifest(typ string, manifest Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifests[typ] = manifest
}

// Discover performs a one-shot, best-effort scan of basePath for files
// matching the manifest registered under typ, registering a component per
// match. An unknown typ or an unreadable basePath is routed through the
// error router and returned. A file that cannot be read, decoded, or built
// is skipped and reported only as a discovery:error event; it does not
// change the return value.
func (c *Container) Discover(ctx context.Context, typ, basePath string) error {
	c.mu.Lock()
	manifest, ok := c.manifests[typ]
	c.mu.Unlock()
	if !ok {
		err := errs.NewConfig("UNKNOWN_MANIFEST_TYPE", fmt.Sprintf("no manifest registered for type %q", typ))
		c.routeError(err, map[string]any{"source": "container.discover", "type": typ})
		return err
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		wrapped := errs.NewConfig("DISCOVERY_FAILED", "failed to read discovery directory",
			errs.WithCause(err), errs.WithDetails(map[string]any{"path": basePath}))
		c.routeError(wrapped, map[string]any{"source": "container.discover", "path": basePath})
		c.fire("discovery:error", map[string]any{"path": basePath, "error": wrapped})
		return wrapped
	}

	var discovered []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched, _ := filepath.Match(manifest.Glob, entry.Name())
		if !matched {
			continue
		}
		full := filepath.Join(basePath, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			c.fire("discovery:error", map[string]any{"path": full, "error": err.Error()})
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			c.fire("discovery:error", map[string]any{"path": full, "error": err.Error()})
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if err := manifest.Build(c, name, raw); err != nil {
			c.fire("discovery:error", map[string]any{"path": full, "error": err.Error()})
			continue
		}
		discovered = append(discovered, name)
	}

	c.fire("discovery:completed", map[string]any{"type": typ, "components": discovered})
	return nil
}

// Watch re-runs Discover for typ/basePath whenever fsnotify reports a
// filesystem change under basePath, until ctx is cancelled. The returned
// error only reflects watcher setup failure; subsequent discovery errors
// surface as discovery:error events, not as a return value, matching
// Discover's own best-effort contract.
func (c *Container) Watch(ctx context.Context, typ, basePath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		wrapped := errs.NewConfig("WATCH_SETUP_FAILED", "failed to start filesystem watcher", errs.WithCause(err))
		c.routeError(wrapped, map[string]any{"source": "container.watch", "path": basePath})
		return wrapped
	}
	if err := watcher.Add(basePath); err != nil {
		_ = watcher.Close()
		wrapped := errs.NewConfig("WATCH_SETUP_FAILED", "failed to watch discovery directory",
			errs.WithCause(err), errs.WithDetails(map[string]any{"path": basePath}))
		c.routeError(wrapped, map[string]any{"source": "container.watch", "path": basePath})
		return wrapped
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					_ = c.Discover(ctx, typ, basePath)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
