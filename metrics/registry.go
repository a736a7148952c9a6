// Copyright 2025 The nutgate Authors
// This file is part of the nutgate library.
//
// The nutgate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nutgate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nutgate library. If not, see <http://www.gnu.org/licenses/>.

package metrics

import (
	"fmt"
	"sort"
	"sync"
)

// DuplicateMetric is the error returned by Registry.Register when a metric
// already exists. If you mean to Register that metric you must first
// Unregister the existing metric.
type DuplicateMetric string

func (err DuplicateMetric) Error() string {
	return fmt.Sprintf("duplicate metric: %s", string(err))
}

// A Registry holds references to a set of metrics by name and can iterate
// over them, calling callback functions provided by the user.
//
// This is an interface so as to encourage other structs to implement
// the Registry API as appropriate.
type Registry interface {
	// Each calls the given function for each registered metric.
	Each(func(string, interface{}))

	// Get the metric by the given name or nil if none is registered.
	Get(string) interface{}

	// GetOrRegister gets an existing metric or registers the one returned
	// by the given constructor.
	GetOrRegister(string, interface{}) interface{}

	// Register the given metric under the given name.
	Register(string, interface{}) error

	// Unregister the metric with the given name.
	Unregister(string)
}

// DefaultRegistry is the registry used by the package level functions.
var DefaultRegistry Registry = NewRegistry()

// NewRegistry creates a new registry.
func NewRegistry() Registry {
	return &standardRegistry{metrics: make(map[string]interface{})}
}

// The standard implementation of a Registry uses sync.Mutex-protected map.
type standardRegistry struct {
	mu      sync.Mutex
	metrics map[string]interface{}
}

func (r *standardRegistry) Each(fn func(string, interface{})) {
	r.mu.Lock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshot := make(map[string]interface{}, len(names))
	for _, name := range names {
		snapshot[name] = r.metrics[name]
	}
	r.mu.Unlock()

	for _, name := range names {
		fn(name, snapshot[name])
	}
}

func (r *standardRegistry) Get(name string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics[name]
}

func (r *standardRegistry) GetOrRegister(name string, i interface{}) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if metric, ok := r.metrics[name]; ok {
		return metric
	}
	if ctor, ok := i.(func() Counter); ok {
		i = ctor()
	} else if ctor, ok := i.(func() Gauge); ok {
		i = ctor()
	}
	r.metrics[name] = i
	return i
}

func (r *standardRegistry) Register(name string, i interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return DuplicateMetric(name)
	}
	r.metrics[name] = i
	return nil
}

func (r *standardRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metrics, name)
}
