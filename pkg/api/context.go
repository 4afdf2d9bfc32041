package api

import (
	"encoding/json"
	"fmt"
)

// Reserved Context keys.
const (
	KeyActor  = "actor"
	KeyParams = "params"
)

// Params are the raw input parameters of a run.
type Params map[string]any

// IsReservedKey reports whether key is reserved by the Context and therefore
// cannot be used as a step name.
func IsReservedKey(key string) bool {
	return key == KeyActor || key == KeyParams
}

// Context is the append-only store threading step results through a run.
// It is seeded with the invoking actor and the input params, and gains one
// entry per executed step, keyed by step name. Entries are never removed or
// replaced.
//
// A Context is owned by a single run and is not safe for concurrent
// mutation.
type Context struct {
	actor  any
	params Params

	keys   []string
	values []any

	// index is owned by the live Context. Frozen snapshots leave it nil and
	// scan their own keys, so they never read a map the run still writes.
	index map[string]int

	// frozen snapshots only see the first len(keys) entries and reject Put.
	frozen bool
}

// NewContext returns a Context seeded with actor and params. params may be
// nil.
func NewContext(actor any, params Params) *Context {
	if params == nil {
		params = Params{}
	}
	return &Context{
		actor:  actor,
		params: params,
		index:  make(map[string]int),
	}
}

// Actor returns the invoking actor.
func (c *Context) Actor() any { return c.actor }

// Params returns the input params. Callers must treat the map as read-only.
func (c *Context) Params() Params { return c.params }

// Param returns a single input param.
func (c *Context) Param(name string) (any, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Result returns the value recorded by the named step.
func (c *Context) Result(name string) (any, bool) {
	i, ok := c.lookup(name)
	if !ok {
		return nil, false
	}
	return c.values[i], true
}

func (c *Context) lookup(name string) (int, bool) {
	if c.index != nil {
		i, ok := c.index[name]
		return i, ok && i < len(c.keys)
	}
	for i := len(c.keys) - 1; i >= 0; i-- {
		if c.keys[i] == name {
			return i, true
		}
	}
	return 0, false
}

// Has reports whether the named step recorded a result.
func (c *Context) Has(name string) bool {
	_, ok := c.Result(name)
	return ok
}

// Get resolves key against step results, then the reserved "actor" and
// "params" keys, then individual params.
func (c *Context) Get(key string) (any, bool) {
	if v, ok := c.Result(key); ok {
		return v, true
	}
	switch key {
	case KeyActor:
		return c.actor, true
	case KeyParams:
		return c.params, true
	}
	return c.Param(key)
}

// Put records the result of a step. It fails for reserved keys, for keys
// that are already present and on frozen snapshots.
func (c *Context) Put(key string, value any) error {
	if c.frozen {
		return ErrContextFrozen
	}
	if IsReservedKey(key) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	if _, exists := c.index[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	c.index[key] = len(c.keys)
	c.keys = append(c.keys, key)
	c.values = append(c.values, value)
	return nil
}

// Len returns the number of step results.
func (c *Context) Len() int { return len(c.keys) }

// Keys returns the step names with recorded results, in execution order.
func (c *Context) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Map returns the step results as a plain map.
func (c *Context) Map() map[string]any {
	out := make(map[string]any, len(c.keys))
	for i, k := range c.keys {
		out[k] = c.values[i]
	}
	return out
}

// AsOf returns a read-only snapshot holding the first n step results. The
// snapshot shares the entries already written, never anything c appends
// later, so it may be read from other goroutines while the run continues.
func (c *Context) AsOf(n int) *Context {
	if n < 0 {
		n = 0
	}
	if n > len(c.keys) {
		n = len(c.keys)
	}
	return &Context{
		actor:  c.actor,
		params: c.params,
		keys:   c.keys[:n:n],
		values: c.values[:n:n],
		frozen: true,
	}
}

// Snapshot returns a read-only view of the current state.
func (c *Context) Snapshot() *Context {
	return c.AsOf(len(c.keys))
}

// Env flattens the Context for expression evaluation: params by name, then
// step results (which win over params), plus the reserved keys.
func (c *Context) Env() map[string]any {
	env := make(map[string]any, len(c.params)+len(c.keys)+2)
	for k, v := range c.params {
		env[k] = v
	}
	for i, k := range c.keys {
		env[k] = c.values[i]
	}
	env[KeyActor] = c.actor
	env[KeyParams] = map[string]any(c.params)
	return env
}

// MarshalJSON emits the step results as a JSON object.
func (c *Context) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Map())
}

// Value returns the value at key converted to T.
func Value[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
