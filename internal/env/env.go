package env

import (
	"os"
	"sort"
	"strings"
)

// Vars is a set of environment variables keyed by name.
type Vars map[string]string

// Env composes child-process environments. The base layer is the host's own
// environment (captured once), Global applies to every service and the
// per-service map passed to Merge wins last.
type Env struct {
	Global Vars
	base   Vars
	noOS   bool
}

func New() *Env {
	return &Env{Global: make(Vars)}
}

// Isolated returns an Env that does not inherit the host environment.
func Isolated() *Env {
	return &Env{Global: make(Vars), base: make(Vars), noOS: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	if e.noOS {
		return
	}
	e.base = Parse(os.Environ())
}

// Set sets a global variable.
func (e *Env) Set(k, v string) {
	if e.Global == nil {
		e.Global = make(Vars)
	}
	e.Global[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Global != nil {
		delete(e.Global, k)
	}
}

// Merge composes the final environment for one service:
// base (host env) < Global < service. ${VAR} references are expanded against
// the composed map (single pass, no recursion). The result is sorted so that
// the same inputs always yield the same slice.
func (e *Env) Merge(service Vars) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Vars, len(e.base)+len(e.Global)+len(service))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Global {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range service {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" entries into a map, skipping malformed ones.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Lookup returns the value for key in a "K=V" slice.
func Lookup(kvs []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range kvs {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// expand replaces ${VAR} references; bare $VAR and unknown keys are left alone.
func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		key := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
