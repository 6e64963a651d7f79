package testutil

import (
	"sync"
	"time"

	"github.com/developingchet/portfolio-gate/internal/storage"
)

// MockStore implements storage.Store with an in-memory map for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu      sync.Mutex
	entries map[string]storage.Entry

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Sticky error injection: method -> error returned on every call
	sticky map[string]error

	// Calls counts invocations per method name.
	Calls map[string]int
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		entries: make(map[string]storage.Entry),
		errors:  make(map[string]error),
		sticky:  make(map[string]error),
		Calls:   make(map[string]int),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// FailAlways makes every call to the named method return err until cleared
// with FailAlways(method, nil).
func (m *MockStore) FailAlways(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, method)
		return
	}
	m.sticky[method] = err
}

// CallCount returns how many times the named method has been invoked.
func (m *MockStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[method]
}

// Raw returns the stored value for key without going through error injection.
func (m *MockStore) Raw(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e.Value, ok
}

func (m *MockStore) enter(method string) error {
	m.Calls[method]++
	if err := m.sticky[method]; err != nil {
		return err
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Get"); err != nil {
		return "", false, err
	}
	e, ok := m.entries[key]
	return e.Value, ok, nil
}

func (m *MockStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Set"); err != nil {
		return err
	}
	m.entries[key] = storage.Entry{Value: value, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MockStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Delete"); err != nil {
		return err
	}
	delete(m.entries, key)
	return nil
}

func (m *MockStore) List() (map[string]storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("List"); err != nil {
		return nil, err
	}
	result := make(map[string]storage.Entry, len(m.entries))
	for k, v := range m.entries {
		result[k] = v
	}
	return result, nil
}

// Compile-time interface check.
var _ storage.Store = (*MockStore)(nil)
