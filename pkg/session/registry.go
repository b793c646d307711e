package session

import "github.com/pairwire/pairwire/pkg/engine"

// ObjectRef names the owner of a media-engine object.
type ObjectRef struct {
	ConnectionID string
	SessionID    string
	Media        engine.Kind
}

// Registry maps opaque media-engine identifiers (transport, producer,
// consumer ids) to their owning connection and session. Pure bookkeeping;
// guarded by the Coordinator's lock.
type Registry struct {
	transports map[string]ObjectRef
	producers  map[string]ObjectRef
	consumers  map[string]ObjectRef
}

func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]ObjectRef),
		producers:  make(map[string]ObjectRef),
		consumers:  make(map[string]ObjectRef),
	}
}

func (r *Registry) AddTransport(id string, ref ObjectRef) { r.transports[id] = ref }
func (r *Registry) AddProducer(id string, ref ObjectRef)  { r.producers[id] = ref }
func (r *Registry) AddConsumer(id string, ref ObjectRef)  { r.consumers[id] = ref }

func (r *Registry) Transport(id string) (ObjectRef, bool) {
	ref, ok := r.transports[id]
	return ref, ok
}

func (r *Registry) Producer(id string) (ObjectRef, bool) {
	ref, ok := r.producers[id]
	return ref, ok
}

func (r *Registry) Consumer(id string) (ObjectRef, bool) {
	ref, ok := r.consumers[id]
	return ref, ok
}

func (r *Registry) RemoveTransport(id string) { delete(r.transports, id) }
func (r *Registry) RemoveProducer(id string)  { delete(r.producers, id) }
func (r *Registry) RemoveConsumer(id string)  { delete(r.consumers, id) }

// Counts returns the number of live transport, producer and consumer
// records.
func (r *Registry) Counts() (transports, producers, consumers int) {
	return len(r.transports), len(r.producers), len(r.consumers)
}
