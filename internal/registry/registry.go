// Package registry routes engine topics to the package and topic spec that
// serve them. Built once at startup; read-only afterwards.
package registry

import (
	"fmt"

	"github.com/nativebpm/taskworker/internal/engine"
	"github.com/nativebpm/taskworker/internal/pack"
)

// Entry binds a topic spec to the package that declared it
type Entry struct {
	Spec    pack.TopicSpec
	Package *pack.Package
}

// Registry is the immutable topic routing table
type Registry struct {
	entries map[string]Entry
	order   []string
}

// Build assembles the registry from the union of all loaded packages.
// defaultPolicy fills in topic specs that leave onFailure unset. A topic
// declared by more than one package is a fatal configuration error: routing
// would be ambiguous.
func Build(packages []*pack.Package, defaultPolicy pack.FailurePolicy) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry)}

	for _, p := range packages {
		for _, spec := range p.Manifest.Topics {
			if existing, ok := r.entries[spec.Topic]; ok {
				return nil, fmt.Errorf("topic %q declared by both %s and %s", spec.Topic, existing.Package.Ref, p.Ref)
			}
			if spec.OnFailure == pack.PolicyUnset {
				spec.OnFailure = defaultPolicy
			}
			r.entries[spec.Topic] = Entry{Spec: spec, Package: p}
			r.order = append(r.order, spec.Topic)
		}
	}

	if len(r.order) == 0 {
		return nil, fmt.Errorf("no topics registered")
	}

	return r, nil
}

// Lookup returns the entry for a topic
func (r *Registry) Lookup(topic string) (Entry, bool) {
	e, ok := r.entries[topic]
	return e, ok
}

// Topics returns all registered topic names in declaration order
func (r *Registry) Topics() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// TopicRequests assembles the per-topic section of a fetchAndLock request
// body. Topics that opt out of full process variables are fetched with the
// localVariables flag; an explicit variable filter is passed through either
// way.
func (r *Registry) TopicRequests(lockDuration int) []engine.TopicRequest {
	out := make([]engine.TopicRequest, 0, len(r.order))
	for _, topic := range r.order {
		spec := r.entries[topic].Spec
		out = append(out, engine.TopicRequest{
			TopicName:         topic,
			LockDuration:      lockDuration,
			Variables:         spec.Variables,
			LocalVariables:    !spec.ProcessVariables,
			DeserializeValues: false,
		})
	}
	return out
}

// SecretProfiles returns the distinct secret profiles referenced by any
// registered topic.
func (r *Registry) SecretProfiles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, topic := range r.order {
		profile := r.entries[topic].Spec.SecretProfile
		if profile == "" || seen[profile] {
			continue
		}
		seen[profile] = true
		out = append(out, profile)
	}
	return out
}
