package pipe

// Context is the value expressions evaluate against during rendering:
// connected-user data, current query results, document state, form fields,
// and scoped locals introduced by iteration bindings.
type Context struct {
	User    map[string]any
	Queries map[string]any
	State   map[string]any
	Form    map[string]string
	Locals  map[string]any
}

// NewContext returns an empty context with all sections allocated.
func NewContext() *Context {
	return &Context{
		User:    map[string]any{},
		Queries: map[string]any{},
		State:   map[string]any{},
		Form:    map[string]string{},
		Locals:  map[string]any{},
	}
}

// ToValue flattens the context into a single JSON-shaped object. Locals are
// promoted to the top level so an iteration binding "item" is addressed as
// "item.content", not "locals.item.content".
func (c *Context) ToValue() map[string]any {
	form := make(map[string]any, len(c.Form))
	for k, v := range c.Form {
		form[k] = v
	}
	obj := map[string]any{
		"user":    c.User,
		"queries": c.Queries,
		"state":   c.State,
		"form":    form,
	}
	for k, v := range c.Locals {
		obj[k] = v
	}
	return obj
}

// Clone returns a copy with fresh top-level maps, so one side of the
// runtime can keep mutating its context while the other renders from a
// stable view. Values are shared and treated as immutable.
func (c *Context) Clone() *Context {
	out := &Context{
		User:    make(map[string]any, len(c.User)),
		Queries: c.Queries,
		State:   make(map[string]any, len(c.State)),
		Form:    make(map[string]string, len(c.Form)),
		Locals:  make(map[string]any, len(c.Locals)),
	}
	for k, v := range c.User {
		out.User[k] = v
	}
	for k, v := range c.State {
		out.State[k] = v
	}
	for k, v := range c.Form {
		out.Form[k] = v
	}
	for k, v := range c.Locals {
		out.Locals[k] = v
	}
	return out
}

// WithLocal returns a copy of the context with one additional local
// binding. The receiver is not modified; iteration scopes must not leak
// bindings into their parent.
func (c *Context) WithLocal(name string, value any) *Context {
	out := &Context{
		User:    c.User,
		Queries: c.Queries,
		State:   c.State,
		Form:    c.Form,
		Locals:  make(map[string]any, len(c.Locals)+1),
	}
	for k, v := range c.Locals {
		out.Locals[k] = v
	}
	out.Locals[name] = value
	return out
}

// Eval evaluates an expression against this context.
func (c *Context) Eval(ev Evaluator, expr string) (any, error) {
	return ev.Evaluate(expr, c.ToValue())
}
