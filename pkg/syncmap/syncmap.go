// Package syncmap is a generic wrapper over standard library sync.Map.
package syncmap

import "sync"

func zero[T any]() T {
	return *new(T)
}

type Map[Key comparable, Value any] sync.Map

func (m *Map[Key, Value]) syncMap() *sync.Map {
	return (*sync.Map)(m)
}

func (m *Map[Key, Value]) Store(key Key, value Value) {
	m.syncMap().Store(key, value)
}

// Load returns the value stored for key (if present) and whether it was found.
func (m *Map[Key, Value]) Load(key Key) (Value, bool) {
	anyValue, found := m.syncMap().Load(key)
	if !found {
		return zero[Value](), false
	}
	return anyValue.(Value), true
}

// Delete removes the value for key. No-op if the key is absent.
func (m *Map[Key, Value]) Delete(key Key) {
	m.syncMap().Delete(key)
}

// Range calls f for each key-value pair. Iteration stops if f returns false.
func (m *Map[Key, Value]) Range(f func(key Key, value Value) bool) {
	m.syncMap().Range(func(key, value any) bool {
		return f(key.(Key), value.(Value))
	})
}

// LoadOrStore returns the existing value for key if present, otherwise stores
// and returns newValue. The boolean is true if the value was already present.
func (m *Map[Key, Value]) LoadOrStore(key Key, newValue Value) (Value, bool) {
	actual, found := m.syncMap().LoadOrStore(key, newValue)
	return actual.(Value), found
}

// LoadAndDelete removes and returns the value for key.
// The boolean is false if the key had no value.
func (m *Map[Key, Value]) LoadAndDelete(key Key) (Value, bool) {
	anyValue, found := m.syncMap().LoadAndDelete(key)
	if !found {
		return zero[Value](), false
	}
	return anyValue.(Value), true
}

// Len returns the number of entries in the map.
// The result is a snapshot; concurrent mutation may change it immediately.
func (m *Map[Key, Value]) Len() int {
	n := 0
	m.syncMap().Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
