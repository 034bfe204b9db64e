// Package session persists client session state in a bbolt database:
// the update cursor per scope, the cached peer entities delivered
// alongside updates, and the stable per-install instance identity.
package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mtarnawa/gramsync/updates"
)

const (
	// sessionDirPerm is the permission mode for the session directory.
	sessionDirPerm = fs.FileMode(0o700)

	// sessionFilePerm is the permission mode for the database file; it
	// holds the auth-adjacent instance identity and peer cache.
	sessionFilePerm = fs.FileMode(0o600)

	// sessionOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	sessionOpenTimeout = 5 * time.Second
)

var (
	appBucket         = []byte("app")
	updateStateBucket = []byte("update_state")
	peersBucket       = []byte("peers")
	usernamesBucket   = []byte("usernames")

	instanceIDKey = []byte("instance_id")
)

// Store wraps a bbolt database for all persistent session state. The
// catching-up flag is runtime-only: it reports an in-progress
// reconciliation to other components and is never persisted.
type Store struct {
	db *bolt.DB

	catchingUp atomic.Bool
}

// Open opens the session database at the given path, creating it and
// its buckets if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), sessionDirPerm); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	db, err := bolt.Open(path, sessionFilePerm, &bolt.Options{Timeout: sessionOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{appBucket, updateStateBucket, peersBucket, usernamesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session db: %w", err)
	}

	return &Store{db: db}, nil
}

// DefaultPath returns the default session database location,
// ~/.gramsync/session.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gramsync", "session.db"), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InstanceID returns the stable identity of this install, generating
// and persisting a fresh UUID on first use.
func (s *Store) InstanceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(instanceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(instanceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading instance id: %w", err)
	}

	return id, nil
}

// UpdateState returns the persisted update cursor for a scope. The
// second return is false when no cursor has ever been stored.
func (s *Store) UpdateState(scope int64) (updates.State, bool, error) {
	var (
		st    updates.State
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(updateStateBucket).Get(scopeKey(scope))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &st)
	})
	if err != nil {
		return updates.State{}, false, fmt.Errorf("loading update state: %w", err)
	}

	return st, found, nil
}

// SetUpdateState persists the update cursor for a scope.
func (s *Store) SetUpdateState(scope int64, st updates.State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return tx.Bucket(updateStateBucket).Put(scopeKey(scope), data)
	})
}

// CatchingUp reports whether a reconciliation pass is in progress.
func (s *Store) CatchingUp() bool {
	return s.catchingUp.Load()
}

// SetCatchingUp flips the reconciliation-in-progress flag.
func (s *Store) SetCatchingUp(v bool) {
	s.catchingUp.Store(v)
}

// ProcessEntities caches the peers delivered alongside an envelope,
// keyed by marked id, and indexes them by username for resolution. Min
// peers carry partial data and never overwrite a full cached entry.
func (s *Store) ProcessEntities(users, chats []updates.Peer) error {
	if len(users)+len(chats) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(peersBucket)
		ub := tx.Bucket(usernamesBucket)

		store := func(p updates.Peer) error {
			key := scopeKey(p.MarkedID())

			if p.Min && pb.Get(key) != nil {
				return nil
			}

			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := pb.Put(key, data); err != nil {
				return err
			}
			if p.Username != "" {
				return ub.Put([]byte(strings.ToLower(p.Username)), key)
			}

			return nil
		}

		for _, p := range users {
			if err := store(p); err != nil {
				return err
			}
		}
		for _, p := range chats {
			if err := store(p); err != nil {
				return err
			}
		}

		return nil
	})
}

// Peer returns the cached entity with the given marked id.
func (s *Store) Peer(id int64) (updates.Peer, bool, error) {
	var (
		p     updates.Peer
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(peersBucket).Get(scopeKey(id))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &p)
	})
	if err != nil {
		return updates.Peer{}, false, fmt.Errorf("loading peer %d: %w", id, err)
	}

	return p, found, nil
}

// PeerByUsername returns the cached entity registered under the given
// username, case-insensitively.
func (s *Store) PeerByUsername(name string) (updates.Peer, bool, error) {
	var (
		p     updates.Peer
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(usernamesBucket).Get([]byte(strings.ToLower(name)))
		if key == nil {
			return nil
		}

		v := tx.Bucket(peersBucket).Get(key)
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &p)
	})
	if err != nil {
		return updates.Peer{}, false, fmt.Errorf("loading peer %q: %w", name, err)
	}

	return p, found, nil
}

// scopeKey encodes an int64 as a fixed-width big-endian bbolt key.
// Keys are only ever looked up exactly, never range-scanned.
func scopeKey(n int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(n))

	return key
}
