package capability

// Config holds opaque per-capability overrides.
type Config map[string]any

// Set is an immutable view of enabled capabilities, taken when an
// execution starts.
type Set struct {
	order   []string
	configs map[string]Config
}

// NewSet builds a Set from names, resolving prerequisites.
func NewSet(names ...string) (Set, error) {
	ordered, err := ResolveOrder(names)
	if err != nil {
		return Set{}, err
	}
	s := Set{order: ordered, configs: make(map[string]Config, len(ordered))}
	for _, n := range ordered {
		s.configs[n] = nil
	}
	return s, nil
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s.configs[name]
	return ok
}

// Names returns the enabled names in resolved order.
func (s Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of enabled capabilities.
func (s Set) Len() int {
	return len(s.order)
}

// Config returns a copy of the overrides for name.
func (s Set) Config(name string) Config {
	return cloneConfig(s.configs[name])
}

// String returns a config override as a string, or def when unset.
func (s Set) String(name, key, def string) string {
	if v, ok := s.configs[name][key].(string); ok && v != "" {
		return v
	}
	return def
}

// Strings returns a config override as a string slice.
func (s Set) Strings(name, key string) []string {
	switch v := s.configs[name][key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func cloneConfig(c Config) Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
