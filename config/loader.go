// Package config implements layered configuration loading over the
// feeders package: base/default.{yaml,yml,json,toml} holds defaults,
// environments/<env>/overrides.{yaml,yml,json,toml} holds overrides,
// deep-merged with override winning, and per-module sections are
// handed out as free-form maps, per SPEC_FULL.md §2.3.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"

	"github.com/corekit/corekit/errs"
	"github.com/corekit/corekit/feeders"
)

// DefaultEventHistoryMaxSize is the eventHistory.maxSize default, used
// when the loaded configuration omits it.
const DefaultEventHistoryMaxSize = 1000

// EnvOverride binds an environment variable to a dotted config path,
// applied by ApplyEnvOverrides after Load.
type EnvOverride struct {
	EnvVar string
	Path   string
}

// Loader resolves the merged base+environment configuration and hands
// out per-section views.
type Loader struct {
	mu        sync.Mutex
	baseDir   string
	feeder    *feeders.BaseConfigFeeder
	raw       map[string]any
	overrides []EnvOverride
}

// NewLoader constructs a Loader reading baseDir/base and
// baseDir/environments/<environment>.
func NewLoader(baseDir, environment string) *Loader {
	return &Loader{baseDir: baseDir, feeder: feeders.NewBaseConfigFeeder(baseDir, environment)}
}

// AvailableEnvironments lists the environment names baseDir/environments
// contains, in alphabetical order.
func (l *Loader) AvailableEnvironments() []string {
	return feeders.GetAvailableEnvironments(l.baseDir)
}

// RegisterEnvOverride records an environment-variable override applied
// by the next ApplyEnvOverrides call.
func (l *Loader) RegisterEnvOverride(envVar, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides = append(l.overrides, EnvOverride{EnvVar: envVar, Path: path})
}

// Load reads and deep-merges the base and environment configuration
// files, then applies any registered environment-variable overrides.
// baseDir must contain base/ and environments/ subdirectories.
func (l *Loader) Load() error {
	if !feeders.IsBaseConfigStructure(l.baseDir) {
		return errs.NewConfig("CONFIG_DIR_INVALID", fmt.Sprintf("%s is missing base/ or environments/", l.baseDir),
			errs.WithDetails(map[string]any{"baseDir": l.baseDir}))
	}

	var raw map[string]any
	if err := l.feeder.Feed(&raw); err != nil {
		return errs.NewConfig("LOAD_FAILED", "failed to load layered configuration", errs.WithCause(err))
	}
	if raw == nil {
		raw = make(map[string]any)
	}

	l.mu.Lock()
	l.raw = raw
	overrides := append([]EnvOverride{}, l.overrides...)
	l.mu.Unlock()

	for _, o := range overrides {
		if err := l.applyOverride(o); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) applyOverride(o EnvOverride) error {
	value, ok := os.LookupEnv(o.EnvVar)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	segments := strings.Split(o.Path, ".")
	existing := lookupPath(l.raw, segments)
	coerced, err := coerce(value, existing)
	if err != nil {
		return errs.NewConfig("ENV_OVERRIDE_INVALID", fmt.Sprintf("environment variable %s has an invalid value for %s", o.EnvVar, o.Path),
			errs.WithCause(err), errs.WithDetails(map[string]any{"envVar": o.EnvVar, "path": o.Path}))
	}
	setPath(l.raw, segments, coerced)
	return nil
}

// coerce converts the raw string env value to the type of existing
// (falling back to string when existing is absent), using
// github.com/golobby/cast the same way the env feeders do.
func coerce(value string, existing any) (any, error) {
	t := reflect.TypeOf(existing)
	if t == nil {
		t = reflect.TypeOf("")
	}
	return cast.FromType(value, t)
}

func lookupPath(raw map[string]any, segments []string) any {
	var cur any = raw
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func setPath(raw map[string]any, segments []string, value any) {
	cur := raw
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}

// Raw returns the fully merged, override-applied configuration map.
func (l *Loader) Raw() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]any, len(l.raw))
	for k, v := range l.raw {
		out[k] = v
	}
	return out
}

// Section returns the named top-level section (e.g. a module's
// namespaced "<module>.*" config) as a free-form map. ok is false when
// the section is absent.
func (l *Loader) Section(name string) (map[string]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, exists := l.raw[name]
	if !exists {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// SectionInto decodes the named section into target, a pointer to a
// struct or map, round-tripping through YAML for type coercion.
func (l *Loader) SectionInto(name string, target any) error {
	section, ok := l.Section(name)
	if !ok {
		return nil
	}
	data, err := yaml.Marshal(section)
	if err != nil {
		return errs.NewConfig("SECTION_MARSHAL_FAILED", fmt.Sprintf("failed to marshal section %q", name), errs.WithCause(err))
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return errs.NewConfig("SECTION_DECODE_FAILED", fmt.Sprintf("failed to decode section %q", name), errs.WithCause(err))
	}
	return nil
}

// EventHistoryMaxSize reads eventHistory.maxSize, defaulting to
// DefaultEventHistoryMaxSize when absent, for wiring into
// eventbus.Config.
func (l *Loader) EventHistoryMaxSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := lookupPath(l.raw, []string{"eventHistory", "maxSize"})
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return DefaultEventHistoryMaxSize
	}
}
