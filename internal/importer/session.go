package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/enroll/internal/workbook"
)

// DefaultSessionTTL is how long an idle import session is kept.
const DefaultSessionTTL = 2 * time.Hour

// DefaultEditTimeout bounds one debounced resubmission.
const DefaultEditTimeout = 30 * time.Second

// RunRecord is handed to a Recorder after every submission run.
type RunRecord struct {
	SessionID string
	Entity    string
	FileName  string
	User      string
	Result    *SessionResult
}

// Recorder persists submission runs. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

// Session is one in-memory import: the parsed file, its mappings, and the
// per-row state. It is never persisted.
type Session struct {
	ID         string
	Entity     string
	FileName   string
	Sheet      string
	User       string
	Headers    []string
	Rows       []*RawRow
	Mappings   []ColumnMapping
	Context    SessionContext
	TotalRows  int
	CreatedAt  time.Time
	LastActive time.Time
	LastResult *SessionResult

	Succeeded int // across all runs of this session
	Failed    int

	mu         sync.Mutex
	submitting atomic.Bool
}

func (s *Session) row(id int) (*RawRow, int) {
	for i, r := range s.Rows {
		if r.ID == id {
			return r, i
		}
	}
	return nil, -1
}

// ManagerConfig tunes a Manager. Zero values take defaults.
type ManagerConfig struct {
	TTL          time.Duration
	EditDebounce time.Duration
	EditTimeout  time.Duration
	RowDelay     time.Duration // overrides every entity's RowDelay when positive
	Observer     Observer
	Recorder     Recorder
	Logger       *slog.Logger
	Now          func() time.Time
}

// Manager owns the import sessions of the process.
type Manager struct {
	orch      *Orchestrator
	limiter   *SubmitLimiter
	debouncer *Debouncer
	observer  Observer
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	ttl         time.Duration
	editTimeout time.Duration
	rowDelay    time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(orch *Orchestrator, limiter *SubmitLimiter, cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.EditTimeout <= 0 {
		cfg.EditTimeout = DefaultEditTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if limiter == nil {
		limiter = NewSubmitLimiter(0, 0)
	}

	return &Manager{
		orch:        orch,
		limiter:     limiter,
		debouncer:   NewDebouncer(cfg.EditDebounce),
		observer:    cfg.Observer,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		now:         cfg.Now,
		ttl:         cfg.TTL,
		editTimeout: cfg.EditTimeout,
		rowDelay:    cfg.RowDelay,
		sessions:    make(map[string]*Session),
	}
}

// Limiter exposes the submission limiter for health output.
func (m *Manager) Limiter() *SubmitLimiter {
	return m.limiter
}

// Create parses an uploaded file and opens a session for it. Columns are
// auto-mapped from their headers.
func (m *Manager) Create(entity, fileName, user string, r io.Reader) (*SessionView, error) {
	def, ok := Get(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	wb, err := workbook.Read(fileName, r)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:         uuid.New().String(),
		Entity:     def.Info.Key,
		FileName:   fileName,
		Sheet:      wb.Sheet,
		User:       user,
		Headers:    wb.Headers,
		Mappings:   AutoDetect(def, wb.Headers),
		TotalRows:  wb.TotalRows,
		CreatedAt:  now,
		LastActive: now,
	}
	for i, row := range wb.Rows {
		s.Rows = append(s.Rows, &RawRow{
			ID:     i + 1,
			Line:   row.Line,
			Values: row.Values,
			Status: StatusPending,
		})
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	view := m.view(def, s)
	if m.observer != nil {
		m.observer.RowsValidated(def.Info.Key, view.Summary.Valid, view.Summary.Invalid)
	}

	m.logger.Info("import session created",
		"session_id", s.ID,
		"entity", s.Entity,
		"file", fileName,
		"rows", len(s.Rows),
		"total_rows", wb.TotalRows,
	)
	return view, nil
}

// lookup returns the session and its definition.
func (m *Manager) lookup(id string) (*Session, EntityDefinition, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, EntityDefinition{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	def, ok := Get(s.Entity)
	if !ok {
		return nil, EntityDefinition{}, fmt.Errorf("%w: %s", ErrUnknownEntity, s.Entity)
	}
	return s, def, nil
}

// SessionInfo holds the fields of a session that never change after Create.
type SessionInfo struct {
	ID       string
	Entity   string
	FileName string
	User     string
}

// Info returns the fixed fields of a session without waiting on its lock.
func (m *Manager) Info(id string) (SessionInfo, error) {
	s, _, err := m.lookup(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{ID: s.ID, Entity: s.Entity, FileName: s.FileName, User: s.User}, nil
}

// update runs fn with the session locked and returns the resulting view.
func (m *Manager) update(id string, fn func(s *Session, def EntityDefinition) error) (*SessionView, error) {
	s, def, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s, def); err != nil {
		return nil, err
	}
	s.LastActive = m.now()
	return m.viewLocked(def, s), nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (*SessionView, error) {
	return m.update(id, func(*Session, EntityDefinition) error { return nil })
}

// SetMapping binds a column to a field, or clears it when field is empty.
func (m *Manager) SetMapping(id string, columnIndex int, field Field) (*SessionView, error) {
	return m.update(id, func(s *Session, def EntityDefinition) error {
		mappings, err := SetMapping(def, s.Mappings, columnIndex, field)
		if err != nil {
			return err
		}
		s.Mappings = mappings
		return nil
	})
}

// SetContext sets the session-wide academic year, class and division.
func (m *Manager) SetContext(id string, sc SessionContext) (*SessionView, error) {
	return m.update(id, func(s *Session, def EntityDefinition) error {
		s.Context = sc
		return nil
	})
}

// SetRowAssignment sets a row's class and division. Changing the class
// clears the division unless a new one is given in the same call.
func (m *Manager) SetRowAssignment(id string, rowID int, class, division string) (*SessionView, error) {
	return m.update(id, func(s *Session, def EntityDefinition) error {
		if !def.RowAssignments {
			return fmt.Errorf("%w: %s", ErrNoRowAssignments, def.Info.Key)
		}

		row, _ := s.row(rowID)
		if row == nil {
			return fmt.Errorf("%w: %d", ErrRowNotFound, rowID)
		}

		if class != row.Class {
			row.Class = class
			row.Division = ""
		}
		if division != "" {
			if row.Class == "" {
				return ErrDivisionWithoutClass
			}
			row.Division = division
		}
		row.Touched = true
		return nil
	})
}

// EditCell changes one cell. When the value changes, a resubmission of the
// session's most recently edited row is scheduled after the debounce
// window; later edits within the window replace it. The resubmission keeps
// ctx's values (caller credentials, logger) but not its cancellation.
func (m *Manager) EditCell(ctx context.Context, id string, rowID int, header, value string) (*SessionView, error) {
	detached := context.WithoutCancel(ctx)

	return m.update(id, func(s *Session, def EntityDefinition) error {
		if !hasHeader(s.Headers, header) {
			return fmt.Errorf("%w: %q", ErrColumnNotFound, header)
		}

		row, _ := s.row(rowID)
		if row == nil {
			return fmt.Errorf("%w: %d", ErrRowNotFound, rowID)
		}

		if row.Values[header] == value {
			return nil
		}
		row.Values[header] = value
		row.Touched = true

		m.debouncer.Trigger(s.ID, func() { m.resubmit(detached, s.ID, rowID) })
		return nil
	})
}

// DeleteRow removes a row from the session.
func (m *Manager) DeleteRow(id string, rowID int) (*SessionView, error) {
	return m.update(id, func(s *Session, def EntityDefinition) error {
		_, idx := s.row(rowID)
		if idx < 0 {
			return fmt.Errorf("%w: %d", ErrRowNotFound, rowID)
		}
		s.Rows = append(s.Rows[:idx], s.Rows[idx+1:]...)
		return nil
	})
}

// Touch marks a row as touched so its problems are shown.
func (m *Manager) Touch(id string, rowID int) (*SessionView, error) {
	return m.update(id, func(s *Session, def EntityDefinition) error {
		row, _ := s.row(rowID)
		if row == nil {
			return fmt.Errorf("%w: %d", ErrRowNotFound, rowID)
		}
		row.Touched = true
		return nil
	})
}

// Summary returns the row counters of a session.
func (m *Manager) Summary(id string) (Summary, error) {
	v, err := m.Get(id)
	if err != nil {
		return Summary{}, err
	}
	return v.Summary, nil
}

// Submit runs a full submission of the session's valid rows. Mapping and
// context preconditions are checked first and block the whole run. A second
// Submit on the same session while one is running fails fast.
func (m *Manager) Submit(ctx context.Context, id string) (*SessionResult, error) {
	s, def, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	if !s.submitting.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInProgress
	}
	defer s.submitting.Store(false)

	s.mu.Lock()
	validator := NewRowValidator(def, s.Mappings, s.Context, m.now())
	sub := Submission{
		Def:       def,
		Context:   s.Context,
		Rows:      append([]*RawRow(nil), s.Rows...),
		Validator: validator,
		Delay:     m.rowDelay,
		Lock:      &s.mu,
	}
	s.mu.Unlock()

	if err := validator.RequireMappings(); err != nil {
		return nil, err
	}
	if def.RequiresContext && !sub.Context.Complete() {
		return nil, ErrContextIncomplete
	}

	// a full run supersedes any pending edit resubmission
	m.debouncer.Cancel(s.ID)

	if err := m.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer m.limiter.Release()

	result := m.orch.SubmitAll(ctx, sub)

	m.finishRun(ctx, s, result)
	return result, nil
}

// resubmit sends one edited row after the debounce window.
func (m *Manager) resubmit(parent context.Context, id string, rowID int) {
	s, def, err := m.lookup(id)
	if err != nil {
		return
	}

	if !s.submitting.CompareAndSwap(false, true) {
		// a full run is sending this row already
		return
	}
	defer s.submitting.Store(false)

	ctx, cancel := context.WithTimeout(parent, m.editTimeout)
	defer cancel()

	s.mu.Lock()
	row, _ := s.row(rowID)
	validator := NewRowValidator(def, s.Mappings, s.Context, m.now())
	sc := s.Context
	s.mu.Unlock()

	if row == nil {
		return
	}
	if validator.RequireMappings() != nil || (def.RequiresContext && !sc.Complete()) {
		return
	}

	if err := m.limiter.Acquire(ctx); err != nil {
		m.logger.Warn("edit resubmission skipped", "session_id", id, "row", rowID, "error", err)
		return
	}
	defer m.limiter.Release()

	result, err := m.orch.SubmitOne(ctx, Submission{
		Def:       def,
		Context:   sc,
		Validator: validator,
		Delay:     m.rowDelay,
		Lock:      &s.mu,
	}, row)
	if err != nil {
		m.logger.Debug("edit resubmission not sent", "session_id", id, "row", rowID, "error", err)
		return
	}

	m.finishRun(ctx, s, result)
}

// finishRun updates counters and reports the run. The session lock is
// held only for the counter update.
func (m *Manager) finishRun(ctx context.Context, s *Session, result *SessionResult) {
	s.mu.Lock()
	s.LastResult = result
	s.Succeeded += result.Succeeded
	s.Failed += result.Failed
	s.LastActive = m.now()
	s.mu.Unlock()

	m.logger.Info("submission finished",
		"session_id", s.ID,
		"entity", s.Entity,
		"mode", result.Mode,
		"outcome", result.Outcome,
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration_ms", result.Duration.Milliseconds(),
	)

	if m.observer != nil {
		m.observer.SubmissionFinished(s.Entity, result)
	}

	if m.recorder != nil && result.Attempted > 0 {
		run := RunRecord{
			SessionID: s.ID,
			Entity:    s.Entity,
			FileName:  s.FileName,
			User:      s.User,
			Result:    result,
		}
		if err := m.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			m.logger.Error("failed to record submission run", "session_id", s.ID, "error", err)
		}
	}
}

// Remove discards a session and its pending edit resubmission. No call is
// made to the external system.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	m.debouncer.Cancel(id)
	return ok
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were removed. Sessions with a running submission are kept.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	var expired []string
	for _, s := range candidates {
		if s.submitting.Load() {
			continue
		}
		s.mu.Lock()
		idle := s.LastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			expired = append(expired, s.ID)
		}
	}

	for _, id := range expired {
		m.Remove(id)
	}
	if len(expired) > 0 {
		m.logger.Info("expired import sessions removed", "count", len(expired))
	}
	return len(expired)
}

// RunJanitor sweeps expired sessions until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.ttl / 4
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown drops pending edit resubmissions and waits for running
// submissions to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.debouncer.Stop()
	return m.limiter.WaitForDrain(ctx)
}

func hasHeader(headers []string, h string) bool {
	for _, x := range headers {
		if x == h {
			return true
		}
	}
	return false
}
