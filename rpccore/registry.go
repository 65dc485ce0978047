package rpccore

import "fmt"

// RegisteredMethod is a server-global method registration: a method string,
// an optional host (empty string means wildcard: matches any authority),
// and its own private matcher. The (method, host) pair is unique for the
// lifetime of the server — registration happens before Start and is never
// revoked.
type RegisteredMethod struct {
	Method string
	Host   string

	matcher *matcher
}

// registry is the server-wide method table. It is only ever appended to
// (under muGlobal, before Start), so reads from already-built channel
// lookup tables need no further synchronization once a channel has been set
// up.
type registry struct {
	methods []*RegisteredMethod
	seen    map[string]struct{}
}

func newRegistry() *registry {
	return &registry{seen: make(map[string]struct{})}
}

// register adds a method/host pair and returns its RegisteredMethod handle,
// or an error if the method string is empty or the pair was already
// registered — the two misuse cases §7 calls out for this verb. Both errors
// wrap a stable sentinel (ErrEmptyMethod / ErrDuplicateMethod) so callers can
// errors.Is against them instead of matching on message text.
func (r *registry) register(method, host string, ticketCapacity int) (*RegisteredMethod, error) {
	if method == "" {
		return nil, ErrEmptyMethod
	}
	key := registeredKey(host, method)
	if _, dup := r.seen[key]; dup {
		return nil, fmt.Errorf("rpccore: method %q already registered for host %q: %w", method, host, ErrDuplicateMethod)
	}
	r.seen[key] = struct{}{}
	rm := &RegisteredMethod{
		Method:  method,
		Host:    host,
		matcher: newMatcher(ticketCapacity),
	}
	r.methods = append(r.methods, rm)
	return rm, nil
}
