// Package state persists engine state in a bbolt database. Issue, slot,
// and counter mutation flows through the scheduler loop goroutine; the
// mainline lock record is also written by the merging slot driver.
// Readers receive deep-cloned snapshots decoded from the committed bytes.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/types"
)

const (
	bucketIssues   = "issues"
	bucketSlots    = "slots"
	bucketLocks    = "locks"
	bucketCounters = "counters"
	bucketMeta     = "meta"
	bucketHistory  = "history"
)

const (
	keyCounters = "counters"
	keyInstance = "instance"
	keyVersion  = "version"
	keyCommands = "commands"
)

// commandHistoryLimit bounds the persisted control-command audit tail.
const commandHistoryLimit = 100

// Store is the bbolt-backed state store.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens (or creates) the state database under dir. When force is set
// an unreadable existing database is discarded and reinitialized; without
// it the open fails so a corrupted store is never silently lost.
func Open(dir string, force bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(dir, "steward.db")

	s, err := open(path)
	if err == nil {
		return s, nil
	}
	if !force {
		return nil, fmt.Errorf("failed to open state database %s (use --force to reinitialize): %w", path, err)
	}

	logger := log.WithComponent("state")
	logger.Warn().Err(err).Str("path", path).
		Msg("reinitializing state database")
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("failed to remove state database: %w", rmErr)
	}
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			bucketIssues, bucketSlots, bucketLocks,
			bucketCounters, bucketMeta, bucketHistory,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: log.WithComponent("state")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the monotonic state version, incremented on every
// committed write.
func (s *Store) Version() uint64 {
	var v uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(bucketMeta)).Get([]byte(keyVersion)); len(raw) == 8 {
			v = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return v
}

// update runs fn in a write transaction that also bumps the version. A
// failed commit is retried once; callers treat a second failure as fatal.
func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	run := func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			meta := tx.Bucket([]byte(bucketMeta))
			var v uint64
			if raw := meta.Get([]byte(keyVersion)); len(raw) == 8 {
				v = binary.BigEndian.Uint64(raw)
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, v+1)
			return meta.Put([]byte(keyVersion), buf)
		})
	}

	err := run()
	if err == nil {
		return nil
	}
	s.logger.Error().Err(err).Msg("state write failed, retrying once")
	if err = run(); err != nil {
		return fmt.Errorf("state write failed after retry: %w", err)
	}
	return nil
}

// SaveIssue persists one issue record.
func (s *Store) SaveIssue(rec *types.IssueRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal issue %s: %w", rec.ID, err)
		}
		return tx.Bucket([]byte(bucketIssues)).Put([]byte(rec.ID), data)
	})
}

// GetIssue returns one issue record, or nil if absent.
func (s *Store) GetIssue(id string) (*types.IssueRecord, error) {
	var rec *types.IssueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketIssues)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		rec = &types.IssueRecord{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", id, err)
	}
	return rec, nil
}

// ListIssues returns all issue records ordered by id.
func (s *Store) ListIssues() ([]*types.IssueRecord, error) {
	var out []*types.IssueRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIssues)).ForEach(func(k, v []byte) error {
			rec := &types.IssueRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("failed to unmarshal issue %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteIssue removes an issue record.
func (s *Store) DeleteIssue(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIssues)).Delete([]byte(id))
	})
}

// SaveSlot persists one worker slot.
func (s *Store) SaveSlot(slot *types.WorkerSlot) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(slot)
		if err != nil {
			return fmt.Errorf("failed to marshal slot %d: %w", slot.ID, err)
		}
		return tx.Bucket([]byte(bucketSlots)).Put(slotKey(slot.ID), data)
	})
}

// ListSlots returns all persisted worker slots ordered by id.
func (s *Store) ListSlots() ([]*types.WorkerSlot, error) {
	var out []*types.WorkerSlot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSlots)).ForEach(func(k, v []byte) error {
			slot := &types.WorkerSlot{}
			if err := json.Unmarshal(v, slot); err != nil {
				return fmt.Errorf("failed to unmarshal slot %s: %w", k, err)
			}
			out = append(out, slot)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSlot removes a persisted slot.
func (s *Store) DeleteSlot(id int) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSlots)).Delete(slotKey(id))
	})
}

// SaveLock persists a lock record.
func (s *Store) SaveLock(l *types.Lock) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to marshal lock %s: %w", l.Name, err)
		}
		return tx.Bucket([]byte(bucketLocks)).Put([]byte(l.Name), data)
	})
}

// GetLock returns a lock record, or nil if absent.
func (s *Store) GetLock(name string) (*types.Lock, error) {
	var l *types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketLocks)).Get([]byte(name))
		if raw == nil {
			return nil
		}
		l = &types.Lock{}
		return json.Unmarshal(raw, l)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load lock %s: %w", name, err)
	}
	return l, nil
}

// DeleteLock releases a persisted lock.
func (s *Store) DeleteLock(name string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLocks)).Delete([]byte(name))
	})
}

// SaveCounters persists the engine counters.
func (s *Store) SaveCounters(c *types.Counters) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal counters: %w", err)
		}
		return tx.Bucket([]byte(bucketCounters)).Put([]byte(keyCounters), data)
	})
}

// GetCounters returns the persisted counters, zero-valued if absent.
func (s *Store) GetCounters() (*types.Counters, error) {
	c := &types.Counters{}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketCounters)).Get([]byte(keyCounters))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}
	return c, nil
}

// SaveInstance records the engine instance identity in the meta bucket.
func (s *Store) SaveInstance(inst *types.EngineInstance) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance: %w", err)
		}
		return tx.Bucket([]byte(bucketMeta)).Put([]byte(keyInstance), data)
	})
}

// GetInstance returns the recorded instance identity, or nil if absent.
func (s *Store) GetInstance() (*types.EngineInstance, error) {
	var inst *types.EngineInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketMeta)).Get([]byte(keyInstance))
		if raw == nil {
			return nil
		}
		inst = &types.EngineInstance{}
		return json.Unmarshal(raw, inst)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return inst, nil
}

// AppendCommand records an accepted control command, keeping only the most
// recent entries.
func (s *Store) AppendCommand(rec types.CommandRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketHistory))
		var history []types.CommandRecord
		if raw := bucket.Get([]byte(keyCommands)); raw != nil {
			if err := json.Unmarshal(raw, &history); err != nil {
				return fmt.Errorf("failed to unmarshal command history: %w", err)
			}
		}
		history = append(history, rec)
		if len(history) > commandHistoryLimit {
			history = history[len(history)-commandHistoryLimit:]
		}
		data, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to marshal command history: %w", err)
		}
		return bucket.Put([]byte(keyCommands), data)
	})
}

// ListCommands returns the persisted command history, oldest first.
func (s *Store) ListCommands() ([]types.CommandRecord, error) {
	var history []types.CommandRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketHistory)).Get([]byte(keyCommands))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &history)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load command history: %w", err)
	}
	return history, nil
}

func slotKey(id int) []byte {
	return []byte(strconv.Itoa(id))
}
