// Package metrics provides small expvar-backed counters for the server.
//
// Chasquid's own internal/smtpsrv references an "expvarom" package
// (openmetrics-flavoured expvar wrappers) that isn't vendored here; this
// package follows the same call shape (NewMap/NewInt, keyed Add) directly
// over the standard expvar package instead, so every subsystem can still
// declare its counters the way chasquid's conn.go does, without pulling in
// a dependency this tree doesn't have.
package metrics

import (
	"expvar"
	"sync"
)

// Map is a keyed counter, e.g. commands received broken down by verb.
type Map struct {
	mu   sync.Mutex
	name string
	help string
	m    *expvar.Map
}

// NewMap creates and publishes a new keyed counter under the given expvar
// name. help is metadata only, kept so call sites read the same as
// chasquid's (name, label, help) triples.
func NewMap(name, label, help string) *Map {
	m := &expvar.Map{}
	m.Init()
	expvar.Publish(name, m)
	return &Map{name: name, help: help, m: m}
}

// Add increments the counter for the given key.
func (m *Map) Add(key string, delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m.Add(key, delta)
}

// Int is a single published counter.
type Int struct {
	v *expvar.Int
}

// NewInt creates and publishes a new counter under the given expvar name.
func NewInt(name, help string) *Int {
	v := expvar.NewInt(name)
	return &Int{v: v}
}

// Add increments the counter.
func (i *Int) Add(delta int64) {
	if i == nil {
		return
	}
	i.v.Add(delta)
}
