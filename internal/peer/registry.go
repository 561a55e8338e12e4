package peer

import "sort"

// Registry maps remote usernames to their Context.
type Registry struct {
	peers map[string]*Context
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Context)}
}

// Create returns the context for name, allocating it if absent.
func (r *Registry) Create(name string) *Context {
	if p, ok := r.peers[name]; ok {
		return p
	}
	p := newContext(name)
	r.peers[name] = p
	return p
}

func (r *Registry) Get(name string) (*Context, bool) {
	p, ok := r.peers[name]
	return p, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.peers[name]
	return ok
}

// Destroy removes name. The caller tears the connection down first.
func (r *Registry) Destroy(name string) {
	if p, ok := r.peers[name]; ok {
		p.StopConnectTimer()
		p.ResetChannels()
		delete(r.peers, name)
	}
}

// Names returns the registered usernames in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.peers))
	for name := range r.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each calls fn for every peer in name order.
func (r *Registry) Each(fn func(*Context)) {
	for _, name := range r.Names() {
		fn(r.peers[name])
	}
}

func (r *Registry) Len() int {
	return len(r.peers)
}
