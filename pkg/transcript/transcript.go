// Package transcript stores agent session logs in bbolt. Sessions are
// append-only; every logged event is one committed transaction, so a crash
// leaves each event either fully durable or absent.
package transcript

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/stewardproject/steward/pkg/events"
	"github.com/stewardproject/steward/pkg/log"
	"github.com/stewardproject/steward/pkg/types"
)

const (
	bucketSessions = "sessions"
	bucketEvents   = "events"
)

// tailLimit is the per-session in-memory tail kept for late subscribers.
const tailLimit = 100

// Store is the bbolt-backed transcript store.
type Store struct {
	db     *bolt.DB
	bus    *events.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	tails map[string]*sessionTail
}

type sessionTail struct {
	issueID string
	events  []types.TranscriptEvent
}

// Open opens (or creates) the transcript database under dir. bus may be
// nil to disable live republishing.
func Open(dir string, bus *events.Bus) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	path := filepath.Join(dir, "transcripts.db")

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketSessions)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEvents))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize transcript database: %w", err)
	}

	return &Store{
		db:     db,
		bus:    bus,
		logger: log.WithComponent("transcript"),
		tails:  make(map[string]*sessionTail),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenSession registers a new session for one attempt and returns its id.
func (s *Store) OpenSession(issueID string, attempt int) (string, error) {
	session := types.TranscriptSession{
		ID:        uuid.New().String(),
		IssueID:   issueID,
		Attempt:   attempt,
		StartedAt: time.Now(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketSessions)).Put([]byte(session.ID), data); err != nil {
			return err
		}
		_, err = tx.Bucket([]byte(bucketEvents)).CreateBucketIfNotExists([]byte(session.ID))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to open session for %s attempt %d: %w", issueID, attempt, err)
	}

	s.mu.Lock()
	s.tails[session.ID] = &sessionTail{issueID: issueID}
	s.mu.Unlock()
	return session.ID, nil
}

// LogEvent appends one event to a session, committing before returning.
// The event is also republished on the issue's session topic.
func (s *Store) LogEvent(sessionID string, kind types.TranscriptKind, payload json.RawMessage) error {
	ev := types.TranscriptEvent{
		TS:      time.Now(),
		Kind:    kind,
		Payload: payload,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEvents)).Bucket([]byte(sessionID))
		if bucket == nil {
			return fmt.Errorf("unknown session %s", sessionID)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("failed to log event for session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	tail, ok := s.tails[sessionID]
	if ok {
		tail.events = append(tail.events, ev)
		if len(tail.events) > tailLimit {
			tail.events = tail.events[len(tail.events)-tailLimit:]
		}
	}
	s.mu.Unlock()

	if s.bus != nil && ok {
		s.bus.Publish(&events.Event{
			Topic: events.SessionTopic(tail.issueID),
			Type:  string(kind),
			Data:  ev,
		})
	}
	return nil
}

// CloseSession drops a session's in-memory tail; the durable log remains.
func (s *Store) CloseSession(sessionID string) {
	s.mu.Lock()
	delete(s.tails, sessionID)
	s.mu.Unlock()
}

// Tail returns the in-memory tail of a live session, most recent last.
func (s *Store) Tail(sessionID string) []types.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail, ok := s.tails[sessionID]
	if !ok {
		return nil
	}
	return append([]types.TranscriptEvent(nil), tail.events...)
}

// Events returns all durable events of a session in sequence order.
func (s *Store) Events(sessionID string) ([]types.TranscriptEvent, error) {
	var out []types.TranscriptEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketEvents)).Bucket([]byte(sessionID))
		if bucket == nil {
			return fmt.Errorf("unknown session %s", sessionID)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var ev types.TranscriptEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	return out, nil
}

// LastEvents returns at most n trailing events of a session.
func (s *Store) LastEvents(sessionID string, n int) ([]types.TranscriptEvent, error) {
	all, err := s.Events(sessionID)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// SessionsForIssue returns an issue's sessions ordered by attempt.
func (s *Store) SessionsForIssue(issueID string) ([]types.TranscriptSession, error) {
	var out []types.TranscriptSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(k, v []byte) error {
			var session types.TranscriptSession
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.IssueID == issueID {
				out = append(out, session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for %s: %w", issueID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

// RecentSessions returns at most n sessions, newest first.
func (s *Store) RecentSessions(n int) ([]types.TranscriptSession, error) {
	var all []types.TranscriptSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(k, v []byte) error {
			var session types.TranscriptSession
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			all = append(all, session)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Prune removes sessions started before the cutoff and returns how many
// were deleted.
func (s *Store) Prune(before time.Time) (int, error) {
	var victims []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(k, v []byte) error {
			var session types.TranscriptSession
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.StartedAt.Before(before) {
				victims = append(victims, session.ID)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan sessions for pruning: %w", err)
	}

	for _, id := range victims {
		err := s.db.Update(func(tx *bolt.Tx) error {
			if err := tx.Bucket([]byte(bucketSessions)).Delete([]byte(id)); err != nil {
				return err
			}
			if b := tx.Bucket([]byte(bucketEvents)).Bucket([]byte(id)); b != nil {
				return tx.Bucket([]byte(bucketEvents)).DeleteBucket([]byte(id))
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to prune session %s: %w", id, err)
		}
		s.mu.Lock()
		delete(s.tails, id)
		s.mu.Unlock()
	}
	if len(victims) > 0 {
		s.logger.Info().Int("sessions", len(victims)).Msg("pruned transcript sessions")
	}
	return len(victims), nil
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
