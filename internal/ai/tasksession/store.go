package tasksession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/logging"
)

const DefaultCapacity = 48

var ErrMissingTaskID = errors.New("missing task_id")

// PinnedSubagentError is returned when a task id is resumed with a subagent
// other than the one it was created with.
type PinnedSubagentError struct {
	TaskID    string
	Subagent  string
	Requested string
}

func (e *PinnedSubagentError) Error() string {
	return fmt.Sprintf("task_id %q is pinned to subagent %q", e.TaskID, e.Subagent)
}

// Mirror persists session histories outside the process.
type Mirror interface {
	Load(ctx context.Context, taskID string) (subagent string, history []ir.Item, ok bool, err error)
	Save(ctx context.Context, taskID string, subagent string, history []ir.Item) error
	Delete(ctx context.Context, taskID string) error
}

// Session is one resumable delegated conversation.
type Session struct {
	ID       string
	Subagent string

	store *Store

	mu      sync.Mutex
	history []ir.Item
}

// History returns a copy of the current history.
func (s *Session) History() []ir.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ir.Clone(s.history)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Append adds items, recompacts the history, and mirrors it when a mirror is
// configured. Mirror failures are logged and do not fail the append.
func (s *Session) Append(ctx context.Context, items ...ir.Item) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	next := append(s.history, ir.Clone(items)...)
	s.history = Recompact(next, s.store.limits)
	snapshot := ir.Clone(s.history)
	s.mu.Unlock()

	s.store.persist(ctx, s.ID, s.Subagent, snapshot)
}

type Options struct {
	Capacity int
	Limits   Limits
	Mirror   Mirror
	Logger   *slog.Logger
}

// Store is the bounded task_id -> Session table.
type Store struct {
	capacity int
	limits   Limits
	mirror   Mirror
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

func NewStore(opts Options) *Store {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		limits:   opts.Limits.withDefaults(),
		mirror:   opts.Mirror,
		log:      logging.OrDefault(opts.Logger),
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the session for taskID, creating it on first use.
// created is true when the session did not exist in memory or in the mirror.
func (s *Store) Acquire(ctx context.Context, taskID string, subagent string) (*Session, bool, error) {
	taskID = strings.TrimSpace(taskID)
	subagent = strings.TrimSpace(subagent)
	if taskID == "" {
		return nil, false, ErrMissingTaskID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[taskID]; ok {
		if sess.Subagent != subagent {
			return nil, false, &PinnedSubagentError{TaskID: taskID, Subagent: sess.Subagent, Requested: subagent}
		}
		return sess, false, nil
	}

	sess := &Session{ID: taskID, Subagent: subagent, store: s}
	created := true
	if s.mirror != nil {
		pinned, history, ok, err := s.mirror.Load(ctx, taskID)
		if err != nil {
			return nil, false, fmt.Errorf("load task session %q: %w", taskID, err)
		}
		if ok {
			if pinned != subagent {
				return nil, false, &PinnedSubagentError{TaskID: taskID, Subagent: pinned, Requested: subagent}
			}
			sess.history = Recompact(history, s.limits)
			created = false
		}
	}

	for len(s.order) >= s.capacity {
		s.evictOldestLocked(ctx)
	}
	s.sessions[taskID] = sess
	s.order = append(s.order, taskID)
	return sess, created, nil
}

// Get returns an in-memory session without creating one.
func (s *Store) Get(taskID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[strings.TrimSpace(taskID)]
	return sess, ok
}

// IDs returns task ids in insertion order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Store) evictOldestLocked(ctx context.Context) {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	delete(s.sessions, oldest)
	s.log.Debug("task session evicted", "task_id", oldest)
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Delete(ctx, oldest); err != nil {
		s.log.Warn("task session mirror delete failed", "task_id", oldest, "error", err)
	}
}

func (s *Store) persist(ctx context.Context, taskID string, subagent string, history []ir.Item) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(context.WithoutCancel(ctx), taskID, subagent, history); err != nil {
		s.log.Warn("task session mirror save failed", "task_id", taskID, "error", err)
	}
}
