package testutil

import (
	"sort"
	"sync"

	"github.com/developingchet/portfolio-gate/internal/storage"
)

// MockDB implements storage.DB with one MockStore per profile. A profile is
// listed from the first time it is requested until it is dropped.
type MockDB struct {
	mu       sync.Mutex
	profiles map[string]*MockStore
	errors   map[string]error
	sticky   map[string]error

	// Size is the value returned by SizeBytes.
	Size int64
}

// NewMockDB returns an empty MockDB.
func NewMockDB() *MockDB {
	return &MockDB{
		profiles: make(map[string]*MockStore),
		errors:   make(map[string]error),
		sticky:   make(map[string]error),
		Size:     1024,
	}
}

// Store returns the mock backing profile, creating it when needed.
func (d *MockDB) Store(profile string) *MockStore {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store(profile)
}

func (d *MockDB) store(profile string) *MockStore {
	s, ok := d.profiles[profile]
	if !ok {
		s = NewMockStore()
		d.profiles[profile] = s
	}
	return s
}

// SetError injects an error for the next call to the named method.
func (d *MockDB) SetError(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors[method] = err
}

// FailAlways makes every call to the named method fail until cleared with nil.
func (d *MockDB) FailAlways(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.sticky, method)
		return
	}
	d.sticky[method] = err
}

func (d *MockDB) enter(method string) error {
	if err := d.sticky[method]; err != nil {
		return err
	}
	err := d.errors[method]
	delete(d.errors, method)
	return err
}

func (d *MockDB) Profile(name string) (storage.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Profile"); err != nil {
		return nil, err
	}
	return d.store(name), nil
}

func (d *MockDB) Profiles() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Profiles"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(d.profiles))
	for name := range d.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *MockDB) Drop(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Drop"); err != nil {
		return err
	}
	delete(d.profiles, name)
	return nil
}

func (d *MockDB) SizeBytes() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("SizeBytes"); err != nil {
		return 0, err
	}
	return d.Size, nil
}

func (d *MockDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enter("Close")
}

var _ storage.DB = (*MockDB)(nil)
