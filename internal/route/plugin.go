package route

import (
	"plugin"
	"reflect"
)

// PluginSymbol is the name every route-script plugin must export: a
// package-level variable implementing Decider (and, optionally, the
// rewrite/error capability interfaces).
const PluginSymbol = "Route"

// LoadPlugin opens a Go plugin built with `go build -buildmode=plugin` and
// looks up its exported Route symbol, the closest Go analogue of "user
// supplies a small routing program" loaded from a path at runtime. The
// plugin package is unavoidably standard library — no ecosystem
// alternative exists for loading native code at a path at runtime (see
// DESIGN.md).
func LoadPlugin(path string) (*Adapter, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, err
	}

	// Lookup returns a pointer to the exported variable: a `var Route T`
	// arrives as *T and is used as is; a pointer-typed `var Route *T`
	// arrives as **T and is dereferenced once so Load sees the *T.
	if _, ok := sym.(Decider); !ok {
		if v := reflect.ValueOf(sym); v.Kind() == reflect.Pointer && !v.IsNil() {
			sym = v.Elem().Interface()
		}
	}
	return Load(sym)
}
