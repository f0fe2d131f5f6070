package lnutils

import "sync"

// SyncMap is a typed sync.Map.
type SyncMap[K comparable, V any] struct {
	sync.Map
}

// Store puts an item in the map.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// Load returns the item stored under key.
func (m *SyncMap[K, V]) Load(key K) (V, bool) {
	result, ok := m.Map.Load(key)
	if !ok {
		return *new(V), false
	}

	item, ok := result.(V)
	return item, ok
}

// Delete removes the item stored under key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.Map.Delete(key)
}

// LoadOrStore returns the item stored under key if there is one. Otherwise
// it stores value and returns it with loaded set to false.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	result, loaded := m.Map.LoadOrStore(key, value)
	item, ok := result.(V)
	if !ok {
		return *new(V), false
	}

	return item, loaded
}

// CompareAndDelete deletes the item stored under key if it is old.
func (m *SyncMap[K, V]) CompareAndDelete(key K, old V) bool {
	return m.Map.CompareAndDelete(key, old)
}

// Range calls visitor for every item until it returns false.
func (m *SyncMap[K, V]) Range(visitor func(K, V) bool) {
	m.Map.Range(func(k any, v any) bool {
		return visitor(k.(K), v.(V))
	})
}

// Values returns every item of the map.
func (m *SyncMap[K, V]) Values() []V {
	var values []V
	m.Range(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})

	return values
}

// Len returns the number of items in the map.
func (m *SyncMap[K, V]) Len() int {
	var count int
	m.Range(func(_ K, _ V) bool {
		count++
		return true
	})

	return count
}
