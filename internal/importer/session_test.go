package importer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registerOnce sync.Once

func registerTestEntities() {
	registerOnce.Do(func() {
		Register(testStudent())
		Register(testInstructor())
	})
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu        sync.Mutex
	validated []int
	finished  []*SessionResult
}

func (o *recordingObserver) RowsValidated(_ string, valid, invalid int) {
	o.mu.Lock()
	o.validated = append(o.validated, valid, invalid)
	o.mu.Unlock()
}

func (o *recordingObserver) SubmissionFinished(_ string, r *SessionResult) {
	o.mu.Lock()
	o.finished = append(o.finished, r)
	o.mu.Unlock()
}

type recordingRecorder struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (r *recordingRecorder) RecordRun(_ context.Context, run RunRecord) error {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
	return nil
}

func (r *recordingRecorder) Runs() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunRecord(nil), r.runs...)
}

const studentCSV = "First Name,Last Name,GR Number,Roll No\n" +
	"Amina,Shaikh,GR-1,1\n" +
	"Bilal,,GR-2,2\n"

const instructorCSV = "First Name,Last Name,Mobile,Email,Gender,DOB,DOJ\n" +
	"Huda,Rahman,9876543210,huda@school.org,Female,15-08-1990,2020-01-01\n"

type managerFixture struct {
	mgr      *Manager
	endpoint *fakeEndpoint
	clock    *testClock
	observer *recordingObserver
	recorder *recordingRecorder
}

func newManagerFixture(t *testing.T, ep Endpoint) *managerFixture {
	t.Helper()
	registerTestEntities()

	f := &managerFixture{
		clock:    &testClock{now: testToday},
		observer: &recordingObserver{},
		recorder: &recordingRecorder{},
	}
	if ep == nil {
		f.endpoint = &fakeEndpoint{}
		ep = f.endpoint
	}

	orch := NewOrchestrator(ep, nil)
	orch.sleep = noSleep

	f.mgr = NewManager(orch, NewSubmitLimiter(2, time.Second), ManagerConfig{
		TTL:          time.Hour,
		EditDebounce: 20 * time.Millisecond,
		Observer:     f.observer,
		Recorder:     f.recorder,
		Now:          f.clock.Now,
	})
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })
	return f
}

func (f *managerFixture) create(t *testing.T, entity, csv string) *SessionView {
	t.Helper()
	v, err := f.mgr.Create(entity, "upload.csv", "teacher@school.org", strings.NewReader(csv))
	require.NoError(t, err)
	return v
}

var fullContext = SessionContext{AcademicYear: "2024-25", Class: "Grade 4", Division: "A"}

// ---- Session Lifecycle Tests ----

func TestManager_Create(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)

	assert.NotEmpty(t, v.ID)
	assert.Equal(t, []string{"First Name", "Last Name", "GR Number", "Roll No"}, v.Headers)
	assert.Empty(t, v.MissingMappings)
	assert.True(t, v.RequiresContext)
	assert.Equal(t, Summary{Total: 2, Valid: 1, Invalid: 1, Pending: 2}, v.Summary)
	assert.Equal(t, 2, v.Rows[0].Line)
	assert.Equal(t, []string{"Last Name is required"}, []string{v.Rows[1].Problems[0].Message})
	assert.Equal(t, []int{1, 1}, f.observer.validated)
	assert.Equal(t, 1, f.mgr.Count())
}

func TestManager_CreateErrors(t *testing.T) {
	f := newManagerFixture(t, nil)

	_, err := f.mgr.Create("bus_route", "a.csv", "", strings.NewReader(studentCSV))
	assert.ErrorIs(t, err, ErrUnknownEntity)

	_, err = f.mgr.Create("test_student", "a.csv", "", strings.NewReader(""))
	assert.Error(t, err)
	assert.Equal(t, 0, f.mgr.Count())
}

func TestManager_SessionNotFound(t *testing.T) {
	f := newManagerFixture(t, nil)

	_, err := f.mgr.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.mgr.Submit(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_Sweep(t *testing.T) {
	f := newManagerFixture(t, nil)
	old := f.create(t, "test_student", studentCSV)

	f.clock.Advance(50 * time.Minute)
	fresh := f.create(t, "test_student", studentCSV)

	f.clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, f.mgr.Sweep())

	_, err := f.mgr.Get(old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.mgr.Get(fresh.ID)
	assert.NoError(t, err)
}

// ---- Editing Tests ----

func TestManager_SetMapping(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)

	v, err := f.mgr.SetMapping(v.ID, 3, "")
	require.NoError(t, err)
	assert.Equal(t, []Field{"Roll No"}, v.MissingMappings)
	assert.Equal(t, 0, v.Summary.Valid, "an unmapped required field invalidates every row")

	_, err = f.mgr.SetMapping(v.ID, 3, "Shoe Size")
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = f.mgr.Submit(context.Background(), v.ID)
	var mapErr *MappingIncompleteError
	assert.ErrorAs(t, err, &mapErr)
	assert.Empty(t, f.endpoint.Calls())
}

func TestManager_EditCell(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)

	v, err := f.mgr.EditCell(context.Background(), v.ID, 2, "Last Name", "Qureshi")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Summary.Valid)
	assert.True(t, v.Rows[1].Touched)

	_, err = f.mgr.EditCell(context.Background(), v.ID, 2, "Nickname", "B")
	assert.Error(t, err)

	_, err = f.mgr.EditCell(context.Background(), v.ID, 99, "Last Name", "B")
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestManager_EditBurstResubmitsOnceWithLastValue(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)
	_, err := f.mgr.SetContext(v.ID, fullContext)
	require.NoError(t, err)

	for _, last := range []string{"Q", "Qu", "Qureshi"} {
		_, err := f.mgr.EditCell(context.Background(), v.ID, 2, "Last Name", last)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return len(f.endpoint.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	calls := f.endpoint.Calls()
	require.Len(t, calls, 1)
	recs := calls[0].Payload.(map[string]any)["students"].([]CanonicalRecord)
	require.Len(t, recs, 1)
	assert.Equal(t, "Qureshi", recs[0].Get("Last Name"))

	v, err = f.mgr.Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, v.Rows[1].Status)
	assert.Equal(t, StatusPending, v.Rows[0].Status)
	assert.Equal(t, ModeSingle, v.LastResult.Mode)
}

func TestManager_EditWithoutContextDoesNotResubmit(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)

	_, err := f.mgr.EditCell(context.Background(), v.ID, 2, "Last Name", "Qureshi")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, f.endpoint.Calls())
}

func TestManager_DeleteRow(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)

	v, err := f.mgr.DeleteRow(v.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Summary.Total)
	assert.Equal(t, 1, v.Summary.Valid)

	_, err = f.mgr.DeleteRow(v.ID, 2)
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestManager_SetRowAssignment(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_instructor", instructorCSV)
	require.True(t, v.RowAssignments)

	v, err := f.mgr.SetRowAssignment(v.ID, 1, "Grade 6", "")
	require.NoError(t, err)
	assert.False(t, v.Rows[0].Valid, "class without division is invalid")

	v, err = f.mgr.SetRowAssignment(v.ID, 1, "Grade 6", "B")
	require.NoError(t, err)
	assert.True(t, v.Rows[0].Valid)
	assert.Equal(t, 1, v.Summary.ClassAssigned)

	v, err = f.mgr.SetRowAssignment(v.ID, 1, "Grade 7", "")
	require.NoError(t, err)
	assert.Equal(t, "Grade 7", v.Rows[0].Class)
	assert.Empty(t, v.Rows[0].Division, "changing the class clears the division")

	v, err = f.mgr.SetRowAssignment(v.ID, 1, "", "")
	require.NoError(t, err)
	assert.True(t, v.Rows[0].Valid)

	_, err = f.mgr.SetRowAssignment(v.ID, 1, "", "B")
	assert.ErrorIs(t, err, ErrDivisionWithoutClass)

	student := f.create(t, "test_student", studentCSV)
	_, err = f.mgr.SetRowAssignment(student.ID, 1, "Grade 1", "A")
	assert.Error(t, err)
}

// ---- Submission Tests ----

func TestManager_Submit(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)

	_, err := f.mgr.Submit(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrContextIncomplete)

	_, err = f.mgr.SetContext(v.ID, fullContext)
	require.NoError(t, err)

	result, err := f.mgr.Submit(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeBulk, result.Mode)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)

	runs := f.recorder.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, v.ID, runs[0].SessionID)
	assert.Equal(t, "teacher@school.org", runs[0].User)
	assert.Len(t, f.observer.finished, 1)

	summary, err := f.mgr.Summary(v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Pending)
}

func TestManager_SubmitNothingIsNotRecorded(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", "First Name,Last Name,GR Number,Roll No\nA,,,\n")
	_, err := f.mgr.SetContext(v.ID, fullContext)
	require.NoError(t, err)

	result, err := f.mgr.Submit(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingToSubmit, result.Outcome)
	assert.Empty(t, f.recorder.Runs())
}

type blockingEndpoint struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingEndpoint) Create(ctx context.Context, _ string, _ any) (CreateResult, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return CreateResult{}, nil
	case <-ctx.Done():
		return CreateResult{}, ctx.Err()
	}
}

func TestManager_ConcurrentSubmitRejected(t *testing.T) {
	ep := &blockingEndpoint{started: make(chan struct{}), release: make(chan struct{})}
	f := newManagerFixture(t, ep)
	v := f.create(t, "test_student", studentCSV)
	_, err := f.mgr.SetContext(v.ID, fullContext)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Submit(context.Background(), v.ID)
		done <- err
	}()

	select {
	case <-ep.started:
	case <-time.After(time.Second):
		t.Fatal("first submission never reached the endpoint")
	}

	_, err = f.mgr.Submit(context.Background(), v.ID)
	assert.True(t, errors.Is(err, ErrSubmissionInProgress))

	close(ep.release)
	require.NoError(t, <-done)

	// the session is usable again
	_, err = f.mgr.Submit(context.Background(), v.ID)
	assert.NoError(t, err)
}

// gatedEndpoint accepts every call but parks call number `hold` until
// release is closed.
type gatedEndpoint struct {
	hold    int
	held    chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (g *gatedEndpoint) Create(ctx context.Context, _ string, _ any) (CreateResult, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()

	if n == g.hold {
		close(g.held)
		select {
		case <-g.release:
		case <-ctx.Done():
			return CreateResult{}, ctx.Err()
		}
	}
	return CreateResult{}, nil
}

func TestManager_RowOutcomesVisibleDuringRun(t *testing.T) {
	ep := &gatedEndpoint{hold: 2, held: make(chan struct{}), release: make(chan struct{})}
	f := newManagerFixture(t, ep)
	v := f.create(t, "test_instructor", instructorCSV+
		"Omar,Farooq,9123456780,omar@school.org,Male,01-01-1985,2019-06-01\n")
	require.Equal(t, 2, v.Summary.Valid)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Submit(context.Background(), v.ID)
		done <- err
	}()

	select {
	case <-ep.held:
	case <-time.After(time.Second):
		t.Fatal("second row never reached the endpoint")
	}

	// the session stays readable while the second row is in flight
	got := make(chan *SessionView, 1)
	go func() {
		view, err := f.mgr.Get(v.ID)
		assert.NoError(t, err)
		got <- view
	}()

	select {
	case view := <-got:
		assert.Equal(t, StatusSuccess, view.Rows[0].Status)
		assert.Equal(t, StatusPending, view.Rows[1].Status)
		assert.Equal(t, 1, view.Summary.Succeeded)
	case <-time.After(time.Second):
		t.Fatal("Get waited for the running submission")
	}

	// other sessions and the janitor are not held up either
	f.create(t, "test_student", studentCSV)
	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.mgr.Sweep())

	close(ep.release)
	require.NoError(t, <-done)

	summary, err := f.mgr.Summary(v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestManager_RemoveCancelsPendingEdit(t *testing.T) {
	f := newManagerFixture(t, nil)
	v := f.create(t, "test_student", studentCSV)
	_, err := f.mgr.SetContext(v.ID, fullContext)
	require.NoError(t, err)

	_, err = f.mgr.EditCell(context.Background(), v.ID, 2, "Last Name", "Qureshi")
	require.NoError(t, err)

	assert.True(t, f.mgr.Remove(v.ID))
	assert.False(t, f.mgr.Remove(v.ID))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, f.endpoint.Calls())
}
