// Copyright 2026 The Capcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered in a process-wide set, normally from package
// variable initializers, and read back as a Snapshot or in the Prometheus
// text exposition format.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"capcore.dev/capcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name using lower case letters, digits and underscores.
	ErrInvalidName = errors.New("invalid metric name")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFields indicates that more than one field was provided.
	ErrTooManyFields = errors.New("metric has more than one field")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// counters holds one counter per allowed field value, or a single
	// counter if the metric has no field.
	counters []atomic.Uint64

	// index maps allowed field values to counters. It is nil for metrics
	// without a field.
	index map[string]int
}

func (m *Uint64Metric) key(fieldValues []string) int {
	if m.index == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric has no fields, got %v", fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric has one field, got %v", fieldValues))
	}
	k, ok := m.index[fieldValues[0]]
	if !ok {
		panic(fmt.Sprintf("invalid field value %q", fieldValues[0]))
	}
	return k
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counters[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counters[m.key(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counters[m.key(fieldValues)].Add(v)
}

type customUint64Metric struct {
	name        string
	description string

	// cumulative is true for counters and false for gauges.
	cumulative bool

	// field is nil for metrics without fields.
	field *Field

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// metricSet holds registered metrics.
type metricSet struct {
	mu sync.RWMutex

	// initialized indicates that all metrics are registered. The set is
	// immutable once initialized is true.
	//
	// +checklocks:mu
	initialized bool

	// +checklocks:mu
	uint64Metrics map[string]customUint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics: make(map[string]customUint64Metric),
	}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// Initialize marks registration as complete. Metrics created afterwards fail
// with ErrInitializationDone.
func Initialize() error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return errors.New("metric.Initialize called twice")
	}
	allMetrics.initialized = true
	return nil
}

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' || name[len(name)-1] == '/' || strings.Contains(name, "//") {
		return false
	}
	for _, c := range name[1:] {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '/':
		default:
			return false
		}
	}
	return true
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is computed by value.
//
// Preconditions:
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if !validName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	// Metrics can exist without fields.
	if len(fields) > 1 {
		return fmt.Errorf("%q has %d fields: %w", name, len(fields), ErrTooManyFields)
	}
	m := customUint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	}
	if len(fields) == 1 {
		if len(fields[0].allowedValues) == 0 {
			return fmt.Errorf("%q field %q: %w", name, fields[0].name, ErrFieldHasNoAllowedValues)
		}
		f := fields[0]
		m.field = &f
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return ErrInitializationDone
	}
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	allMetrics.uint64Metrics[name] = m
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	switch len(fields) {
	case 0:
		m.counters = make([]atomic.Uint64, 1)
	case 1:
		m.counters = make([]atomic.Uint64, len(fields[0].allowedValues))
		m.index = make(map[string]int, len(fields[0].allowedValues))
		for i, v := range fields[0].allowedValues {
			m.index[v] = i
		}
	}
	return m, RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value is a reading of one metric.
type Value struct {
	Name        string
	Description string
	Cumulative  bool

	// Field is the name of the metric's field, or empty if it has none.
	Field string

	// Values maps field values to readings. A metric without a field has a
	// single entry with an empty key.
	Values map[string]uint64
}

// Snapshot returns the current value of every registered metric, sorted by
// name.
func Snapshot() []Value {
	allMetrics.mu.RLock()
	ms := make([]customUint64Metric, 0, len(allMetrics.uint64Metrics))
	for _, m := range allMetrics.uint64Metrics {
		ms = append(ms, m)
	}
	allMetrics.mu.RUnlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	vals := make([]Value, 0, len(ms))
	for _, m := range ms {
		v := Value{
			Name:        m.name,
			Description: m.description,
			Cumulative:  m.cumulative,
		}
		if m.field == nil {
			v.Values = map[string]uint64{"": m.value()}
		} else {
			v.Field = m.field.name
			v.Values = make(map[string]uint64, len(m.field.allowedValues))
			for _, fv := range m.field.allowedValues {
				v.Values[fv] = m.value(fv)
			}
		}
		vals = append(vals, v)
	}
	return vals
}
