package plugin

import (
	"sync"

	"ChainHost/internal/broadcast"
)

// view maintains the aggregated resource snapshot over every manager of every
// activated plugin.
type view struct {
	mu      sync.Mutex
	current AllResources
	subject *broadcast.Subject[AllResources]
	subs    []*broadcast.Subscription[[]Resource]
	closed  bool
	wg      sync.WaitGroup
}

func newView() *view {
	return &view{
		current: AllResources{},
		subject: broadcast.NewWithValue(AllResources{}),
	}
}

type viewSource struct {
	key     ResourceKey
	manager ResourcesManager
}

// add registers the managers of a newly activated plugin and emits exactly
// one combined snapshot. The latest value of every manager is read together
// with its subscription, so no manager emission is lost or counted twice.
func (v *view) add(sources []viewSource) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}

	subs := make([]*broadcast.Subscription[[]Resource], 0, len(sources))
	for _, src := range sources {
		latest, _, sub := src.manager.Resources().SubscribeLatest()
		v.current[src.key] = cloneResources(latest)
		subs = append(subs, sub)
	}
	v.subject.Publish(v.current.Clone())

	for i, sub := range subs {
		v.subs = append(v.subs, sub)
		v.wg.Add(1)
		go v.forward(sources[i].key, sub)
	}
}

func (v *view) forward(key ResourceKey, sub *broadcast.Subscription[[]Resource]) {
	defer v.wg.Done()
	for resources := range sub.C() {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return
		}
		v.current[key] = cloneResources(resources)
		v.subject.Publish(v.current.Clone())
		v.mu.Unlock()
	}
}

func (v *view) latest() AllResources {
	snapshot, _ := v.subject.Latest()
	return snapshot.Clone()
}

func (v *view) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	v.subs = nil
	v.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	v.wg.Wait()
	v.subject.Close()
}

func cloneResources(in []Resource) []Resource {
	if in == nil {
		return []Resource{}
	}
	return append([]Resource(nil), in...)
}
