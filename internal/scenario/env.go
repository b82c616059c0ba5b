package scenario

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// only the braced form is expanded so "$" keeps its meaning inside regular expressions
var varRef = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// env resolves ${name} references. Lookups are evaluated at expansion time so
// ${board.addr} reflects the identity learned by an earlier init step.
type env struct {
	vars   map[string]string
	lookup func(name string) (string, bool)
}

func newEnv(sc *Scenario, lookup func(string) (string, bool)) (*env, error) {
	e := &env{vars: make(map[string]string), lookup: lookup}
	if sc.Vars == nil {
		return e, nil
	}
	// later vars may reference earlier ones
	for pair := sc.Vars.Oldest(); pair != nil; pair = pair.Next() {
		v, err := e.expand(pair.Value)
		if err != nil {
			return nil, fmt.Errorf("var %s: %w", pair.Key, err)
		}
		e.vars[pair.Key] = v
	}
	return e, nil
}

func (e *env) get(name string) (string, bool) {
	if v, ok := e.vars[name]; ok {
		return v, true
	}
	if e.lookup != nil {
		return e.lookup(name)
	}
	return "", false
}

// expand replaces every ${name} in s. Undefined names are an error.
func (e *env) expand(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var missing []string
	out := varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := e.get(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("undefined variable(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (e *env) expandAll(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		v, err := e.expand(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// expandStep returns a copy of st with every string field expanded.
func (e *env) expandStep(st Step) (Step, error) {
	var err error
	fields := []*string{&st.Send, &st.Arg, &st.PeerWrite, &st.Expect, &st.ExpectAbsent, &st.Lua}
	for _, f := range fields {
		if *f, err = e.expand(*f); err != nil {
			return st, err
		}
	}
	if st.ExpectAll, err = e.expandAll(st.ExpectAll); err != nil {
		return st, err
	}
	if st.ExpectAny, err = e.expandAll(st.ExpectAny); err != nil {
		return st, err
	}
	if st.Count != nil {
		c := *st.Count
		if c.Pattern, err = e.expand(c.Pattern); err != nil {
			return st, err
		}
		st.Count = &c
	}
	return st, nil
}

// snapshot returns the resolved user variables.
func (e *env) snapshot() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}
