package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	dbFileName    = "gate.db"
	profilePrefix = "profile:"
)

// record is the msgpack envelope around every stored value.
type record struct {
	Value     string    `msgpack:"v"`
	UpdatedAt time.Time `msgpack:"u"`
}

type bboltDB struct {
	db *bolt.DB
}

// OpenBbolt opens (or creates) a bbolt database at dataDir/gate.db. Each
// profile lives in its own bucket, created on first write.
func OpenBbolt(dataDir string) (DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	return &bboltDB{db: db}, nil
}

func (d *bboltDB) Profile(name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("profile name must not be empty")
	}
	return &bboltStore{db: d.db, bucket: []byte(profilePrefix + name)}, nil
}

func (d *bboltDB) Profiles() ([]string, error) {
	var names []string
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if p, ok := strings.CutPrefix(string(name), profilePrefix); ok {
				names = append(names, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, closedErr(err)
	}
	sort.Strings(names)
	return names, nil
}

func (d *bboltDB) Drop(name string) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(profilePrefix + name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	return closedErr(err)
}

// ---- Utility ---------------------------------------------------------------

func (d *bboltDB) SizeBytes() (int64, error) {
	info, err := os.Stat(d.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (d *bboltDB) Close() error {
	return d.db.Close()
}

// closedErr maps bbolt's not-open error onto ErrClosed.
func closedErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

type bboltStore struct {
	db     *bolt.DB
	bucket []byte
}

func (s *bboltStore) Get(key string) (string, bool, error) {
	var (
		rec   record
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal record for %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return "", false, closedErr(err)
	}
	return rec.Value, found, nil
}

func (s *bboltStore) Set(key, value string) error {
	data, err := msgpack.Marshal(record{Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		return b.Put([]byte(key), data)
	})
	return closedErr(err)
}

func (s *bboltStore) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	return closedErr(err)
}

func (s *bboltStore) List() (map[string]Entry, error) {
	result := make(map[string]Entry)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal record for %s: %w", k, err)
			}
			result[string(k)] = Entry{Value: rec.Value, UpdatedAt: rec.UpdatedAt}
			return nil
		})
	})
	if err != nil {
		return nil, closedErr(err)
	}
	return result, nil
}
