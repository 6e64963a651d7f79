package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) DB {
	t.Helper()
	db, err := OpenBbolt(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := newTestDB(t).Profile("default")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := newTestStore(t)

	// Not there yet
	_, ok, err := s.Get("portfolio_auth_attempts")
	if err != nil || ok {
		t.Fatalf("Get before set: err=%v, ok=%v", err, ok)
	}

	if err := s.Set("portfolio_auth_attempts", "3"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := s.Get("portfolio_auth_attempts")
	if err != nil || !ok {
		t.Fatalf("Get after set: err=%v, ok=%v", err, ok)
	}
	if v != "3" {
		t.Errorf("value: got %q, want %q", v, "3")
	}

	if err := s.Delete("portfolio_auth_attempts"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ = s.Get("portfolio_auth_attempts")
	if ok {
		t.Fatal("Get after delete should report missing")
	}
}

func TestDeleteMissingKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("never-set"); err != nil {
		t.Fatalf("Delete of missing key should be a no-op, got %v", err)
	}
}

func TestEmptyValueIsPresent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("k", ""); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || v != "" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBbolt(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := db.Profile("default")
	if err := s.Set("portfolio_auth_lockout", "1700000000000"); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = OpenBbolt(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s, _ = db.Profile("default")
	v, ok, err := s.Get("portfolio_auth_lockout")
	if err != nil || !ok || v != "1700000000000" {
		t.Fatalf("after reopen: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestProfilesAreIsolated(t *testing.T) {
	db := newTestDB(t)
	a, _ := db.Profile("alice")
	b, _ := db.Profile("bob")
	if err := a.Set("shared-key", "from-alice"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Get("shared-key"); ok {
		t.Error("profile bob should not see alice's keys")
	}
}

func TestProfileCreatedOnFirstWrite(t *testing.T) {
	db := newTestDB(t)
	s, _ := db.Profile("visitor")

	if _, _, err := s.Get("k"); err != nil {
		t.Fatalf("Get on unknown profile: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete on unknown profile: %v", err)
	}
	if names, _ := db.Profiles(); len(names) != 0 {
		t.Fatalf("reads must not create a profile, got %v", names)
	}

	if err := s.Set("k", "v"); err != nil {
		t.Fatal(err)
	}
	names, err := db.Profiles()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"visitor"}) {
		t.Errorf("Profiles: got %v", names)
	}
}

func TestDropProfile(t *testing.T) {
	db := newTestDB(t)
	s, _ := db.Profile("gone")
	_ = s.Set("k", "v")

	if err := db.Drop("gone"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if err := db.Drop("gone"); err != nil {
		t.Fatalf("Drop of missing profile should be a no-op, got %v", err)
	}
	if names, _ := db.Profiles(); len(names) != 0 {
		t.Errorf("Profiles after drop: %v", names)
	}
	// The view stays usable and recreates the bucket.
	if err := s.Set("k", "again"); err != nil {
		t.Fatalf("Set after drop: %v", err)
	}
}

func TestEmptyProfileRejected(t *testing.T) {
	if _, err := newTestDB(t).Profile(""); err == nil {
		t.Fatal("expected error for empty profile name")
	}
}

func TestClosedDBReturnsErrClosed(t *testing.T) {
	db, err := OpenBbolt(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, _ := db.Profile("default")
	_ = s.Set("k", "v")
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close: got %v, want ErrClosed", err)
	}
	if err := s.Set("k", "v2"); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close: got %v, want ErrClosed", err)
	}
	if err := s.Delete("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after Close: got %v, want ErrClosed", err)
	}
	if _, err := s.List(); !errors.Is(err, ErrClosed) {
		t.Errorf("List after Close: got %v, want ErrClosed", err)
	}
	if _, err := db.Profiles(); !errors.Is(err, ErrClosed) {
		t.Errorf("Profiles after Close: got %v, want ErrClosed", err)
	}
}

func TestCorruptRecordReturnsError(t *testing.T) {
	s := newTestStore(t)
	bs := s.(*bboltStore)
	if err := bs.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bs.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte("bad"), []byte{0xc1, 0xff, 0x00})
	}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Get("bad"); err == nil {
		t.Error("Get of corrupt record should return an error")
	}
	if _, err := s.List(); err == nil {
		t.Error("List with corrupt record should return an error")
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Set(fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	e := list["key-1"]
	if e.Value != "val-1" {
		t.Errorf("key-1 value: got %q", e.Value)
	}
	if e.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestConcurrentAccess(t *testing.T) {
	db := newTestDB(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, _ := db.Profile(fmt.Sprintf("p-%d", n%4))
			key := fmt.Sprintf("k-%d", n)
			_ = s.Set(key, "v")
			_, _, _ = s.Get(key)
			_ = s.Delete(key)
		}(i)
	}
	wg.Wait()
}

func TestSizeBytes(t *testing.T) {
	size, err := newTestDB(t).SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size <= 0 {
		t.Errorf("expected positive db size, got %d", size)
	}
}

func TestFileCreated(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBbolt(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := os.Stat(filepath.Join(dir, "gate.db")); err != nil {
		t.Fatalf("gate.db not created: %v", err)
	}
}
