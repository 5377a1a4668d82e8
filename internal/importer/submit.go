package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Outcome classifies a finished submission run.
type Outcome string

const (
	OutcomeCompleteSuccess Outcome = "complete_success"
	OutcomePartialSuccess  Outcome = "partial_success"
	OutcomeCompleteFailure Outcome = "complete_failure"
	OutcomeNothingToSubmit Outcome = "nothing_to_submit"
)

// SubmitMode records how the rows reached the endpoint.
type SubmitMode string

const (
	ModeNone       SubmitMode = "none"
	ModeBulk       SubmitMode = "bulk"
	ModeSequential SubmitMode = "sequential"
	ModeSingle     SubmitMode = "single"
)

// RowOutcome is the submission result of one row.
type RowOutcome struct {
	RowID  int       `json:"row_id"`
	Line   int       `json:"line"`
	Name   string    `json:"name"`
	Status RowStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// SessionResult aggregates one submission run.
type SessionResult struct {
	Entity    string        `json:"entity"`
	Mode      SubmitMode    `json:"mode"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Outcome   Outcome       `json:"outcome"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	BulkError string        `json:"bulk_error,omitempty"`
	Rows      []RowOutcome  `json:"rows"`
	Created   []string      `json:"created,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// Classify maps success and error counts to an outcome.
func Classify(succeeded, failed int) Outcome {
	switch {
	case succeeded == 0 && failed == 0:
		return OutcomeNothingToSubmit
	case failed == 0:
		return OutcomeCompleteSuccess
	case succeeded == 0:
		return OutcomeCompleteFailure
	default:
		return OutcomePartialSuccess
	}
}

// Summarize returns the title and message shown for an outcome.
func Summarize(outcome Outcome, noun string, succeeded, failed int) (title, message string) {
	switch outcome {
	case OutcomeCompleteSuccess:
		return "Enrollment Complete",
			fmt.Sprintf("Successfully enrolled all %d %ss!", succeeded, noun)
	case OutcomePartialSuccess:
		return "Enrollment Completed with Errors",
			fmt.Sprintf("Completed with %d successful enrollments and %d failures.", succeeded, failed)
	case OutcomeCompleteFailure:
		return "Enrollment Failed",
			"All enrollments failed. Please check the error details below."
	default:
		return "Nothing to Enroll",
			"No valid rows to enroll. Please check your data and mappings."
	}
}

func (r *SessionResult) finish(noun string, started time.Time) {
	r.Attempted = r.Succeeded + r.Failed
	r.Outcome = Classify(r.Succeeded, r.Failed)
	r.Title, r.Message = Summarize(r.Outcome, noun, r.Succeeded, r.Failed)
	r.Duration = time.Since(started)
}

// Submission is one run's input. Rows are annotated in place.
//
// Lock, when set, guards the rows. It is held while rows are read or
// annotated and released around endpoint calls and pauses, so readers see
// each outcome as soon as it is recorded.
type Submission struct {
	Def       EntityDefinition
	Context   SessionContext
	Rows      []*RawRow
	Validator *RowValidator
	Delay     time.Duration // overrides Def.RowDelay when positive
	Lock      sync.Locker
}

func (s Submission) lock() {
	if s.Lock != nil {
		s.Lock.Lock()
	}
}

func (s Submission) unlock() {
	if s.Lock != nil {
		s.Lock.Unlock()
	}
}

func (s Submission) delay() time.Duration {
	if s.Delay > 0 {
		return s.Delay
	}
	return s.Def.RowDelay
}

// Orchestrator sends valid rows to the record-creation endpoint.
//
// A bulk call is tried first when the entity supports it. If it fails, the
// same rows are sent one at a time, in order, with a pause between calls;
// each row's outcome is recorded as soon as it is known and never aborts the
// remaining rows.
type Orchestrator struct {
	endpoint Endpoint
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an orchestrator. A nil logger uses slog.Default.
func NewOrchestrator(endpoint Endpoint, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		endpoint: endpoint,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// SubmitAll submits every valid row. Invalid rows are skipped and keep
// their status. The statuses of the rows being submitted are reset first.
// Cancelling ctx stops the run between rows; unsent rows stay pending.
func (o *Orchestrator) SubmitAll(ctx context.Context, sub Submission) *SessionResult {
	started := time.Now()
	result := &SessionResult{
		Entity:    sub.Def.Info.Key,
		Mode:      ModeNone,
		StartedAt: started,
	}
	defer result.finish(sub.Def.Info.Noun, started)

	var (
		rows    []*RawRow
		records []CanonicalRecord
	)
	sub.lock()
	for _, row := range sub.Rows {
		if !sub.Validator.IsValid(*row) {
			result.Skipped++
			continue
		}
		row.Status = StatusPending
		row.Error = ""
		rows = append(rows, row)
		records = append(records, sub.Validator.Prepare(*row))
	}
	sub.unlock()

	if len(rows) == 0 {
		return result
	}

	if sub.Def.SupportsBulk() {
		res, err := o.endpoint.Create(ctx, sub.Def.BulkMethod, sub.Def.BuildBulk(sub.Context, records))
		if err == nil {
			result.Mode = ModeBulk
			result.Created = res.Created
			sub.lock()
			for i, row := range rows {
				o.mark(result, row, records[i], nil)
			}
			sub.unlock()
			return result
		}

		if ctx.Err() != nil {
			result.Cancelled = true
			return result
		}

		result.BulkError = submissionMessage(err)
		o.logger.Warn("bulk submission failed, falling back to per-row",
			"entity", sub.Def.Info.Key,
			"rows", len(rows),
			"error", err,
		)
	}

	result.Mode = ModeSequential
	for i, row := range rows {
		if i > 0 {
			if err := o.sleep(ctx, sub.delay()); err != nil {
				result.Cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		res, err := o.create(ctx, sub, records[i])
		if err != nil && ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		if err == nil {
			result.Created = append(result.Created, res.Created...)
		}
		sub.lock()
		o.mark(result, row, records[i], err)
		sub.unlock()
	}

	return result
}

// SubmitOne sends a single row through the per-row path. Invalid rows are
// returned as a *RowValidationError without calling the endpoint.
func (o *Orchestrator) SubmitOne(ctx context.Context, sub Submission, row *RawRow) (*SessionResult, error) {
	sub.lock()
	err := sub.Validator.Err(*row)
	rec := sub.Validator.Prepare(*row)
	sub.unlock()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result := &SessionResult{
		Entity:    sub.Def.Info.Key,
		Mode:      ModeSingle,
		StartedAt: started,
	}

	res, err := o.create(ctx, sub, rec)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil {
		result.Created = res.Created
	}
	sub.lock()
	o.mark(result, row, rec, err)
	sub.unlock()
	result.finish(sub.Def.Info.Noun, started)
	return result, nil
}

func (o *Orchestrator) create(ctx context.Context, sub Submission, rec CanonicalRecord) (CreateResult, error) {
	def := sub.Def
	if def.SingleMethod != "" && def.BuildSingle != nil {
		return o.endpoint.Create(ctx, def.SingleMethod, def.BuildSingle(sub.Context, rec))
	}
	if def.SupportsBulk() {
		return o.endpoint.Create(ctx, def.BulkMethod, def.BuildBulk(sub.Context, []CanonicalRecord{rec}))
	}
	return CreateResult{}, errors.New("entity has no creation endpoint")
}

func (o *Orchestrator) mark(result *SessionResult, row *RawRow, rec CanonicalRecord, err error) {
	out := RowOutcome{
		RowID: row.ID,
		Line:  row.Line,
		Name:  rec.DisplayName(),
	}

	if err != nil {
		row.Status = StatusError
		row.Error = submissionMessage(err)
		result.Failed++
		o.logger.Debug("row submission failed", "row", row.Line, "error", err)
	} else {
		row.Status = StatusSuccess
		row.Error = ""
		result.Succeeded++
	}

	out.Status = row.Status
	out.Error = row.Error
	result.Rows = append(result.Rows, out)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
