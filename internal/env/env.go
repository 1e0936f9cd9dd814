// Package env composes the environment handed to supervised children.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers explicit variables over a base environment.
type Env struct {
	base Var
	vars Var
}

// New starts from an empty base. Call FromOS to inherit the current process env.
func New() *Env {
	return &Env{base: Var{}, vars: Var{}}
}

// FromOS returns a copy of e whose base is the current process environment.
func (e *Env) FromOS() *Env {
	out := e.clone()
	out.base = parse(os.Environ())
	return out
}

// WithSet returns a copy of e with k=v applied over the base.
func (e *Env) WithSet(k, v string) *Env {
	out := e.clone()
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// WithPairs applies "K=V" entries in order.
func (e *Env) WithPairs(pairs []string) *Env {
	out := e.clone()
	for k, v := range parse(pairs) {
		out.vars[k] = v
	}
	return out
}

func (e *Env) clone() *Env {
	out := &Env{base: make(Var, len(e.base)), vars: make(Var, len(e.vars))}
	for k, v := range e.base {
		out.base[k] = v
	}
	for k, v := range e.vars {
		out.vars[k] = v
	}
	return out
}

// Merge composes base, then e's variables, then extra "K=V" overrides, and
// expands ${VAR} references against the composed map. Unknown references
// are left as written. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+Expand(m[k], m))
	}
	return out
}

// Expand replaces ${NAME} with m[NAME] for names present in m. A single pass,
// so values that reference each other are not resolved recursively.
func Expand(s string, m Var) string {
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
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

func parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}
