package provider

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Deps carries the shared collaborators every adapter constructor needs.
type Deps struct {
	Catalog *Catalog
	Logger  *zap.Logger
}

// Factory builds a provider from its descriptor configuration. The raw
// config map comes straight from the router config file; factories must
// reject keys outside their kind's enumerated set.
type Factory func(name string, cfg map[string]interface{}, deps Deps) (Provider, error)

// Registry maps provider kinds to factories. The process builds one at
// startup and registers the built-in adapters.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry returns a registry with the three built-in adapter kinds
// registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Kind]Factory)}
	r.Register(KindLocalSubprocess, newSubprocessProvider)
	r.Register(KindHTTPAPI, newHTTPProvider)
	r.Register(KindHTTPLocalDaemon, newDaemonProvider)
	return r
}

// Register installs a factory for a kind, replacing any previous one.
func (r *Registry) Register(kind Kind, f Factory) {
	r.factories[kind] = f
}

// Build constructs a provider of the given kind.
func (r *Registry) Build(kind Kind, name string, cfg map[string]interface{}, deps Deps) (Provider, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown provider kind %q (valid: %s)", kind, knownKinds(r.factories))
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Catalog == nil {
		deps.Catalog = NewCatalog(nil)
	}
	return f(name, cfg, deps)
}

func knownKinds(m map[Kind]Factory) string {
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	out := ""
	for i, k := range kinds {
		if i > 0 {
			out += ", "
		}
		out += k
	}
	return out
}

// checkConfigKeys rejects configuration keys outside the enumerated set for
// a provider kind. The "raw" key is always allowed: it is the documented
// opaque pass-through for backend-specific flags.
func checkConfigKeys(kind Kind, cfg map[string]interface{}, allowed ...string) error {
	set := map[string]struct{}{"raw": {}}
	for _, k := range allowed {
		set[k] = struct{}{}
	}
	var unknown []string
	for k := range cfg {
		if _, ok := set[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("provider kind %s: unknown config keys %v (valid: %v)", kind, unknown, append(allowed, "raw"))
	}
	return nil
}

func cfgString(cfg map[string]interface{}, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func cfgInt(cfg map[string]interface{}, key string) (int, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	return asInt(v)
}

func cfgMap(cfg map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := cfg[key]
	if !ok {
		return nil, false
	}
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
