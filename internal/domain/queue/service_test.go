package queue

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/domain/appointment"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
)

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// store backs both the appointment repository and the queue view in
// tests, the way the real implementations share the appointments table.
type store struct {
	appts map[uuid.UUID]*appointment.Appointment
}

func newStore() *store {
	return &store{appts: make(map[uuid.UUID]*appointment.Appointment)}
}

func (s *store) Create(_ context.Context, a *appointment.Appointment) error {
	a.ID = uuid.New()
	cp := *a
	s.appts[a.ID] = &cp
	return nil
}

func (s *store) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := s.appts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *store) Update(_ context.Context, a *appointment.Appointment) error {
	if _, ok := s.appts[a.ID]; !ok {
		return apperr.ErrNotFound
	}
	cp := *a
	s.appts[a.ID] = &cp
	return nil
}

func (s *store) ListByPatient(context.Context, uuid.UUID, string, int, int) ([]*appointment.Appointment, int, error) {
	return nil, 0, nil
}

func (s *store) ListByDoctor(context.Context, uuid.UUID, string, int, int) ([]*appointment.Appointment, int, error) {
	return nil, 0, nil
}

func (s *store) CountOverlapping(context.Context, uuid.UUID, time.Time, string, string, *uuid.UUID) (int, error) {
	return 0, nil
}

// queue.Repository over the same store.

func (s *store) Lock(context.Context, uuid.UUID, time.Time) error { return nil }

func (s *store) active(doctorID uuid.UUID, day time.Time) []*appointment.Appointment {
	var out []*appointment.Appointment
	for _, a := range s.appts {
		if a.DoctorID == doctorID && a.Date.Equal(day) &&
			a.Status == appointment.StatusInProgress && a.QueuePosition != nil {
			out = append(out, a)
		}
	}
	return out
}

func (s *store) CountActive(_ context.Context, doctorID uuid.UUID, day time.Time) (int, error) {
	return len(s.active(doctorID, day)), nil
}

func (s *store) ListActive(_ context.Context, doctorID uuid.UUID, day time.Time) ([]*Entry, error) {
	appts := s.active(doctorID, day)
	var entries []*Entry
	for _, a := range appts {
		entries = append(entries, &Entry{
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			DoctorID:      a.DoctorID,
			Position:      *a.QueuePosition,
			EstimatedWait: *a.EstimatedWait,
			CheckInTime:   *a.CheckInTime,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Position != entries[j].Position {
			return entries[i].Position < entries[j].Position
		}
		if !entries[i].CheckInTime.Equal(entries[j].CheckInTime) {
			return entries[i].CheckInTime.Before(entries[j].CheckInTime)
		}
		return entries[i].AppointmentID.String() < entries[j].AppointmentID.String()
	})
	return entries, nil
}

func (s *store) Compact(_ context.Context, doctorID uuid.UUID, day time.Time, removedPosition, serviceMinutes int) error {
	for _, a := range s.active(doctorID, day) {
		if *a.QueuePosition > removedPosition {
			pos := *a.QueuePosition - 1
			wait := *a.EstimatedWait - serviceMinutes
			if wait < 0 {
				wait = 0
			}
			a.QueuePosition = &pos
			a.EstimatedWait = &wait
		}
	}
	return nil
}

type recordingNotifier struct {
	queueUpdates int
	positions    []int
	calling      []uuid.UUID
}

func (n *recordingNotifier) QueueUpdated(context.Context, uuid.UUID, []*Entry) { n.queueUpdates++ }
func (n *recordingNotifier) PositionChanged(_ context.Context, _, _ uuid.UUID, position, _ int) {
	n.positions = append(n.positions, position)
}
func (n *recordingNotifier) DoctorCalling(_ context.Context, patientID, _ uuid.UUID) {
	n.calling = append(n.calling, patientID)
}

type storeCompleter struct{ s *store }

func (c *storeCompleter) Complete(ctx context.Context, _ auth.Principal, id uuid.UUID, _ appointment.CompleteRequest) (*appointment.Appointment, error) {
	a, err := c.s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Status = appointment.StatusCompleted
	return a, c.s.Update(ctx, a)
}

var (
	doctorID = uuid.New()
	today    = time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
)

func doctor() auth.Principal { return auth.Principal{ID: doctorID, Role: auth.RoleDoctor} }

type fixture struct {
	svc      *Service
	store    *store
	notifier *recordingNotifier
	clock    time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:    newStore(),
		notifier: &recordingNotifier{},
		clock:    time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(passTx{}, f.store, f.store, &storeCompleter{f.store}, f.notifier, 15, zerolog.Nop())
	f.svc.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func (f *fixture) seedScheduled(t *testing.T, date time.Time) (*appointment.Appointment, auth.Principal) {
	t.Helper()
	a := &appointment.Appointment{
		PatientID: uuid.New(),
		DoctorID:  doctorID,
		Date:      date,
		StartTime: "10:00",
		EndTime:   "10:30",
		Kind:      appointment.KindVideo,
		Status:    appointment.StatusScheduled,
	}
	if err := f.store.Create(context.Background(), a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return a, auth.Principal{ID: a.PatientID, Role: auth.RolePatient}
}

func (f *fixture) checkIn(t *testing.T) *Entry {
	t.Helper()
	a, p := f.seedScheduled(t, today)
	entry, err := f.svc.CheckIn(context.Background(), p, a.ID)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	return entry
}

func (f *fixture) assertContiguous(t *testing.T) []*Entry {
	t.Helper()
	entries, err := f.store.ListActive(context.Background(), doctorID, today)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, e := range entries {
		if e.Position != i+1 {
			t.Fatalf("position at index %d = %d, want %d (gap or duplicate)", i, e.Position, i+1)
		}
	}
	return entries
}

func TestCheckInAssignsTailPosition(t *testing.T) {
	f := newFixture()

	first := f.checkIn(t)
	if first.Position != 1 || first.EstimatedWait != 15 {
		t.Errorf("first entry = pos %d wait %d, want 1/15", first.Position, first.EstimatedWait)
	}

	second := f.checkIn(t)
	if second.Position != 2 || second.EstimatedWait != 30 {
		t.Errorf("second entry = pos %d wait %d, want 2/30", second.Position, second.EstimatedWait)
	}
	f.assertContiguous(t)
}

func TestCheckInIgnoresStartedConsultations(t *testing.T) {
	f := newFixture()
	f.checkIn(t)

	// A consultation started directly from scheduled is in-progress but
	// never entered the queue, so it carries no position.
	started, _ := f.seedScheduled(t, today)
	started.Status = appointment.StatusInProgress
	if err := f.store.Update(context.Background(), started); err != nil {
		t.Fatal(err)
	}

	second := f.checkIn(t)
	if second.Position != 2 || second.EstimatedWait != 30 {
		t.Errorf("second entry = pos %d wait %d, want 2/30", second.Position, second.EstimatedWait)
	}

	entries := f.assertContiguous(t)
	if len(entries) != 2 {
		t.Fatalf("queue length = %d, want 2 (started consultation must not appear)", len(entries))
	}
	for _, e := range entries {
		if e.AppointmentID == started.ID {
			t.Error("started consultation must not appear in the queue")
		}
	}
}

func TestCheckInWrongDay(t *testing.T) {
	f := newFixture()
	a, p := f.seedScheduled(t, today.AddDate(0, 0, 1))

	_, err := f.svc.CheckIn(context.Background(), p, a.ID)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCheckInWrongStatus(t *testing.T) {
	f := newFixture()
	a, p := f.seedScheduled(t, today)
	a.Status = appointment.StatusCompleted
	if err := f.store.Update(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.CheckIn(context.Background(), p, a.ID)
	if !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCheckInForbidden(t *testing.T) {
	f := newFixture()
	a, _ := f.seedScheduled(t, today)

	stranger := auth.Principal{ID: uuid.New(), Role: auth.RolePatient}
	_, err := f.svc.CheckIn(context.Background(), stranger, a.ID)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCheckInTwiceRejected(t *testing.T) {
	f := newFixture()
	a, p := f.seedScheduled(t, today)
	if _, err := f.svc.CheckIn(context.Background(), p, a.ID); err != nil {
		t.Fatalf("first check-in: %v", err)
	}

	_, err := f.svc.CheckIn(context.Background(), p, a.ID)
	if !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCallNextAdvancesAndCompacts(t *testing.T) {
	f := newFixture()
	first := f.checkIn(t)
	f.checkIn(t)
	f.checkIn(t)

	head, err := f.svc.CallNext(context.Background(), doctor(), doctorID)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if head.AppointmentID != first.AppointmentID {
		t.Error("call next must pop the lowest position")
	}

	called, err := f.store.GetByID(context.Background(), head.AppointmentID)
	if err != nil {
		t.Fatal(err)
	}
	if called.Status != appointment.StatusInConsultation {
		t.Errorf("called status = %s, want in-consultation", called.Status)
	}
	if called.CalledTime == nil {
		t.Error("called_time not stamped")
	}

	entries := f.assertContiguous(t)
	if len(entries) != 2 {
		t.Fatalf("queue length = %d, want 2", len(entries))
	}
	if entries[0].EstimatedWait != 15 || entries[1].EstimatedWait != 30 {
		t.Errorf("waits = %d,%d, want 15,30", entries[0].EstimatedWait, entries[1].EstimatedWait)
	}
	if len(f.notifier.calling) != 1 || f.notifier.calling[0] != first.PatientID {
		t.Error("called patient must receive the doctor-calling alert")
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CallNext(context.Background(), doctor(), doctorID)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCallNextForbiddenForOtherDoctor(t *testing.T) {
	f := newFixture()
	other := auth.Principal{ID: uuid.New(), Role: auth.RoleDoctor}
	_, err := f.svc.CallNext(context.Background(), other, doctorID)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestRemoveCompactsMiddle(t *testing.T) {
	f := newFixture()
	f.checkIn(t)
	middle := f.checkIn(t)
	f.checkIn(t)

	p := auth.Principal{ID: middle.PatientID, Role: auth.RolePatient}
	if err := f.svc.Remove(context.Background(), p, middle.AppointmentID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	entries := f.assertContiguous(t)
	if len(entries) != 2 {
		t.Fatalf("queue length = %d, want 2", len(entries))
	}

	removed, err := f.store.GetByID(context.Background(), middle.AppointmentID)
	if err != nil {
		t.Fatal(err)
	}
	if removed.Status != appointment.StatusScheduled {
		t.Errorf("removed status = %s, want scheduled", removed.Status)
	}
	if removed.QueuePosition != nil || removed.CheckInTime != nil {
		t.Error("queue fields must be cleared on removal")
	}
}

func TestRemoveNotQueued(t *testing.T) {
	f := newFixture()
	a, p := f.seedScheduled(t, today)

	err := f.svc.Remove(context.Background(), p, a.ID)
	if !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestPositionsStayContiguousUnderMixedOps(t *testing.T) {
	f := newFixture()
	var entries []*Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, f.checkIn(t))
	}

	if _, err := f.svc.CallNext(context.Background(), doctor(), doctorID); err != nil {
		t.Fatal(err)
	}
	p := auth.Principal{ID: entries[3].PatientID, Role: auth.RolePatient}
	if err := f.svc.Remove(context.Background(), p, entries[3].AppointmentID); err != nil {
		t.Fatal(err)
	}
	f.checkIn(t)
	if _, err := f.svc.CallNext(context.Background(), doctor(), doctorID); err != nil {
		t.Fatal(err)
	}

	remaining := f.assertContiguous(t)
	if len(remaining) != 3 {
		t.Fatalf("queue length = %d, want 3", len(remaining))
	}
}

func TestCompleteDelegatesAndBroadcasts(t *testing.T) {
	f := newFixture()
	entry := f.checkIn(t)
	if _, err := f.svc.CallNext(context.Background(), doctor(), doctorID); err != nil {
		t.Fatal(err)
	}
	before := f.notifier.queueUpdates

	a, err := f.svc.Complete(context.Background(), doctor(), entry.AppointmentID, appointment.CompleteRequest{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a.Status != appointment.StatusCompleted {
		t.Errorf("status = %s, want completed", a.Status)
	}
	if f.notifier.queueUpdates != before+1 {
		t.Error("complete must broadcast the updated queue")
	}
}

func TestStatusOrdering(t *testing.T) {
	f := newFixture()
	first := f.checkIn(t)
	second := f.checkIn(t)

	entries, err := f.svc.Status(context.Background(), doctor(), doctorID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(entries) != 2 || entries[0].AppointmentID != first.AppointmentID || entries[1].AppointmentID != second.AppointmentID {
		t.Error("status must return entries in FIFO position order")
	}

	stranger := auth.Principal{ID: uuid.New(), Role: auth.RoleDoctor}
	if _, err := f.svc.Status(context.Background(), stranger, doctorID); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("stranger status err = %v, want ErrForbidden", err)
	}
}
