package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the backend process. It is
// immutable: With* methods return modified copies.
type Env struct {
	vars Var
	base Var // nil means "read os.Environ at Merge time"
}

func New() *Env { return &Env{vars: make(Var)} }

// WithSet returns a copy with k=v set as a global override.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithPairs applies "KEY=VALUE" entries; malformed entries are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	c := e.clone()
	for k, v := range parsePairs(kvs) {
		c.vars[k] = v
	}
	return c
}

// WithBase replaces the OS environment base. An empty non-nil slice gives the
// backend a clean environment.
func (e *Env) WithBase(kvs []string) *Env {
	c := e.clone()
	c.base = parsePairs(kvs)
	return c
}

// WithFile loads a .env style file (KEY=VALUE lines, # comments) as overrides.
func (e *Env) WithFile(path string) (*Env, error) {
	m, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	c := e.clone()
	for k, v := range m {
		c.vars[k] = v
	}
	return c, nil
}

// Merge composes the final environment:
// base (OS env unless replaced), then global overrides, then extra.
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	base := e.base
	if base == nil {
		base = parsePairs(os.Environ())
	}
	m := make(Var, len(base)+len(e.vars))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parsePairs(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func (e *Env) clone() *Env {
	c := &Env{vars: make(Var, len(e.vars))}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	if e.base != nil {
		c.base = make(Var, len(e.base))
		for k, v := range e.base {
			c.base[k] = v
		}
	}
	return c
}

func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		k := s[i+2 : i+2+j]
		if v, ok := m[k]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

func parsePairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func loadFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
