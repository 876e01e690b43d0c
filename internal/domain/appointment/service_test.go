package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinicdesk/internal/domain/apperr"
	"github.com/clinicdesk/clinicdesk/internal/platform/auth"
)

// --- mocks ---

type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockRepo struct {
	appts     map[uuid.UUID]*Appointment
	createErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	if m.createErr != nil {
		return m.createErr
	}
	a.ID = uuid.New()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, a *Appointment) error {
	if _, ok := m.appts[a.ID]; !ok {
		return apperr.ErrNotFound
	}
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, status string, _, _ int) ([]*Appointment, int, error) {
	var out []*Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID && (status == "" || string(a.Status) == status) {
			out = append(out, a)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, status string, _, _ int) ([]*Appointment, int, error) {
	var out []*Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && (status == "" || string(a.Status) == status) {
			out = append(out, a)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) CountOverlapping(_ context.Context, doctorID uuid.UUID, date time.Time, start, end string, exclude *uuid.UUID) (int, error) {
	n := 0
	for _, a := range m.appts {
		if a.DoctorID != doctorID || !a.Date.Equal(date) || a.Status == StatusCancelled {
			continue
		}
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if a.StartTime < end && a.EndTime > start {
			n++
		}
	}
	return n, nil
}

type mockAvail struct {
	windows map[time.Weekday]*Availability
}

func (m *mockAvail) GetForDay(_ context.Context, _ uuid.UUID, day time.Weekday) (*Availability, error) {
	av, ok := m.windows[day]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return av, nil
}

type mockNotifier struct {
	booked      int
	rescheduled int
	changed     []Status
}

func (m *mockNotifier) AppointmentBooked(context.Context, *Appointment)      { m.booked++ }
func (m *mockNotifier) AppointmentRescheduled(context.Context, *Appointment) { m.rescheduled++ }
func (m *mockNotifier) StatusChanged(_ context.Context, _ *Appointment, prev Status) {
	m.changed = append(m.changed, prev)
}

type mockRefunder struct {
	refunded bool
	reason   string
	err      error
	calls    int
}

func (m *mockRefunder) MaybeRefund(context.Context, uuid.UUID) (bool, string, error) {
	m.calls++
	return m.refunded, m.reason, m.err
}

type mockFeedback struct {
	eligible map[uuid.UUID]bool
}

func (m *mockFeedback) EnsureEligibility(_ context.Context, appointmentID, _, _ uuid.UUID) error {
	if m.eligible == nil {
		m.eligible = make(map[uuid.UUID]bool)
	}
	m.eligible[appointmentID] = true
	return nil
}

type mockMeetings struct{ created int }

func (m *mockMeetings) Create(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	m.created++
	return nil
}

// --- fixtures ---

var (
	patientID = uuid.New()
	doctorID  = uuid.New()
	// A Monday.
	monday = time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
)

func patient() auth.Principal { return auth.Principal{ID: patientID, Role: auth.RolePatient} }
func doctor() auth.Principal  { return auth.Principal{ID: doctorID, Role: auth.RoleDoctor} }
func admin() auth.Principal   { return auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin} }

type fixture struct {
	svc      *Service
	repo     *mockRepo
	notifier *mockNotifier
	refunder *mockRefunder
	feedback *mockFeedback
	meetings *mockMeetings
}

func newFixture(policy Policy) *fixture {
	f := &fixture{
		repo:     newMockRepo(),
		notifier: &mockNotifier{},
		refunder: &mockRefunder{},
		feedback: &mockFeedback{},
		meetings: &mockMeetings{},
	}
	avail := &mockAvail{windows: map[time.Weekday]*Availability{
		time.Monday: {DoctorID: doctorID, DayOfWeek: time.Monday, StartTime: "09:00", EndTime: "17:00", IsAvailable: true},
	}}
	f.svc = NewService(passTx{}, f.repo, avail, policy,
		f.notifier, f.refunder, f.meetings, f.feedback, zerolog.Nop())
	// Fixed clock: several days before the fixture Monday.
	f.svc.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func mustBook(t *testing.T, f *fixture, start, end string) *Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), patient(), BookRequest{
		DoctorID: doctorID, Date: "2026-09-07", Start: start, End: end, Kind: KindVideo,
	})
	if err != nil {
		t.Fatalf("book %s-%s: %v", start, end, err)
	}
	return a
}

// --- tests ---

func TestBookScheduled(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")

	if a.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", a.Status)
	}
	if f.notifier.booked != 1 {
		t.Errorf("booked notifications = %d, want 1", f.notifier.booked)
	}
}

func TestBookPendingPayment(t *testing.T) {
	f := newFixture(Policy{RequirePayment: true})
	a := mustBook(t, f, "10:00", "10:30")

	if a.Status != StatusPendingPayment {
		t.Errorf("status = %s, want pending_payment", a.Status)
	}
	// Confirmation is only sent once the slot is actually held.
	if f.notifier.booked != 0 {
		t.Errorf("booked notifications = %d, want 0", f.notifier.booked)
	}
}

func TestBookOverlapConflict(t *testing.T) {
	f := newFixture(Policy{})
	mustBook(t, f, "10:00", "10:30")

	_, err := f.svc.Book(context.Background(), patient(), BookRequest{
		DoctorID: doctorID, Date: "2026-09-07", Start: "10:15", End: "10:45", Kind: KindVideo,
	})
	if !errors.Is(err, apperr.ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}
}

func TestBookAdjacentSlotsAllowed(t *testing.T) {
	f := newFixture(Policy{})
	mustBook(t, f, "10:00", "10:30")
	// [10:30,11:00) does not overlap [10:00,10:30) under half-open intervals.
	mustBook(t, f, "10:30", "11:00")
}

func TestBookOutsideAvailabilityWindow(t *testing.T) {
	f := newFixture(Policy{})
	_, err := f.svc.Book(context.Background(), patient(), BookRequest{
		DoctorID: doctorID, Date: "2026-09-07", Start: "08:00", End: "08:30", Kind: KindVideo,
	})
	if !errors.Is(err, apperr.ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}
}

func TestBookNoAvailabilityFailsClosed(t *testing.T) {
	f := newFixture(Policy{})
	// Tuesday has no availability row.
	_, err := f.svc.Book(context.Background(), patient(), BookRequest{
		DoctorID: doctorID, Date: "2026-09-08", Start: "10:00", End: "10:30", Kind: KindVideo,
	})
	if !errors.Is(err, apperr.ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}
}

func TestBookInvalidRange(t *testing.T) {
	f := newFixture(Policy{})
	_, err := f.svc.Book(context.Background(), patient(), BookRequest{
		DoctorID: doctorID, Date: "2026-09-07", Start: "11:00", End: "10:30", Kind: KindVideo,
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestBookStorageConflictSurfaces(t *testing.T) {
	f := newFixture(Policy{})
	// The advisory check passes but the unique key rejects the insert,
	// as happens when two bookings race for the same slot.
	f.repo.createErr = apperr.ErrSlotConflict
	_, err := f.svc.Book(context.Background(), patient(), BookRequest{
		DoctorID: doctorID, Date: "2026-09-07", Start: "10:00", End: "10:30", Kind: KindVideo,
	})
	if !errors.Is(err, apperr.ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}
}

func TestRescheduleToOwnSlot(t *testing.T) {
	f := newFixture(Policy{RescheduleMinNotice: 12 * time.Hour})
	a := mustBook(t, f, "10:00", "10:30")

	got, err := f.svc.Reschedule(context.Background(), patient(), a.ID, RescheduleRequest{
		Date: "2026-09-07", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reschedule to own slot: %v", err)
	}
	if got.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", got.Status)
	}
	if f.notifier.rescheduled != 1 {
		t.Errorf("reschedule notifications = %d, want 1", f.notifier.rescheduled)
	}
}

func TestRescheduleOntoOtherAppointment(t *testing.T) {
	f := newFixture(Policy{})
	mustBook(t, f, "10:00", "10:30")
	a := mustBook(t, f, "11:00", "11:30")

	_, err := f.svc.Reschedule(context.Background(), patient(), a.ID, RescheduleRequest{
		Date: "2026-09-07", Start: "10:15", End: "10:45",
	})
	if !errors.Is(err, apperr.ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}
}

func TestRescheduleNoticeWindow(t *testing.T) {
	f := newFixture(Policy{RescheduleMinNotice: 12 * time.Hour})
	a := mustBook(t, f, "10:00", "10:30")
	// 2 hours before start.
	f.svc.now = func() time.Time { return time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC) }

	_, err := f.svc.Reschedule(context.Background(), patient(), a.ID, RescheduleRequest{
		Date: "2026-09-07", Start: "14:00", End: "14:30",
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// Admin bypasses the window.
	if _, err := f.svc.Reschedule(context.Background(), admin(), a.ID, RescheduleRequest{
		Date: "2026-09-07", Start: "14:00", End: "14:30",
	}); err != nil {
		t.Fatalf("admin reschedule: %v", err)
	}
}

func TestReschedulePendingPaymentRejected(t *testing.T) {
	f := newFixture(Policy{RequirePayment: true})
	a := mustBook(t, f, "10:00", "10:30")

	_, err := f.svc.Reschedule(context.Background(), patient(), a.ID, RescheduleRequest{
		Date: "2026-09-07", Start: "14:00", End: "14:30",
	})
	if !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestRescheduleForbiddenForOtherPatient(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")

	other := auth.Principal{ID: uuid.New(), Role: auth.RolePatient}
	_, err := f.svc.Reschedule(context.Background(), other, a.ID, RescheduleRequest{
		Date: "2026-09-07", Start: "14:00", End: "14:30",
	})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCancelWithNotice(t *testing.T) {
	f := newFixture(Policy{CancelMinNotice: 24 * time.Hour})
	f.refunder.refunded = true
	a := mustBook(t, f, "10:00", "10:30")
	// 30 hours before start.
	f.svc.now = func() time.Time { return time.Date(2026, 9, 6, 4, 0, 0, 0, time.UTC) }

	got, refund, err := f.svc.Cancel(context.Background(), patient(), a.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if !refund.Refunded {
		t.Error("expected refund to be attempted and recorded")
	}
	if f.refunder.calls != 1 {
		t.Errorf("refunder calls = %d, want 1", f.refunder.calls)
	}
}

func TestCancelTooLate(t *testing.T) {
	f := newFixture(Policy{CancelMinNotice: 24 * time.Hour})
	a := mustBook(t, f, "10:00", "10:30")
	// 2 hours before start.
	f.svc.now = func() time.Time { return time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC) }

	_, _, err := f.svc.Cancel(context.Background(), patient(), a.ID)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if f.refunder.calls != 0 {
		t.Error("refund must not be attempted on a failed cancellation")
	}
}

func TestCancelPendingPaymentAnytime(t *testing.T) {
	f := newFixture(Policy{CancelMinNotice: 24 * time.Hour, RequirePayment: true})
	a := mustBook(t, f, "10:00", "10:30")
	// 1 hour before start; no notice needed while unconfirmed.
	f.svc.now = func() time.Time { return time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC) }

	got, refund, err := f.svc.Cancel(context.Background(), patient(), a.ID)
	if err != nil {
		t.Fatalf("cancel pending_payment: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if refund.Refunded {
		t.Error("nothing succeeded, so nothing should be refunded")
	}
}

func TestCancelTerminal(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")
	if _, _, err := f.svc.Cancel(context.Background(), patient(), a.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}

	_, _, err := f.svc.Cancel(context.Background(), patient(), a.ID)
	if !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCancelRefundFailureDoesNotBlock(t *testing.T) {
	f := newFixture(Policy{})
	f.refunder.err = errors.New("provider unreachable")
	a := mustBook(t, f, "10:00", "10:30")

	got, refund, err := f.svc.Cancel(context.Background(), patient(), a.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if refund.Refunded {
		t.Error("refund must not be reported on provider failure")
	}
}

func TestStartByDoctor(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")

	got, err := f.svc.Start(context.Background(), doctor(), a.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in-progress", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("started_at not stamped")
	}
	if f.meetings.created != 1 {
		t.Errorf("meetings created = %d, want 1", f.meetings.created)
	}
}

func TestStartForbiddenForPatient(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")

	_, err := f.svc.Start(context.Background(), patient(), a.ID)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")
	if _, err := f.svc.Start(context.Background(), doctor(), a.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := f.svc.Start(context.Background(), doctor(), a.ID)
	if !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCompleteRecordsOutcome(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")

	got, err := f.svc.Complete(context.Background(), doctor(), a.ID, CompleteRequest{
		Diagnosis: "seasonal allergy", Prescription: "antihistamine",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Diagnosis == nil || *got.Diagnosis != "seasonal allergy" {
		t.Errorf("diagnosis = %v", got.Diagnosis)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if !f.feedback.eligible[a.ID] {
		t.Error("feedback eligibility placeholder missing")
	}
}

func TestCompleteTwiceKeepsOnePlaceholder(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")
	if _, err := f.svc.Complete(context.Background(), doctor(), a.ID, CompleteRequest{}); err != nil {
		t.Fatalf("first complete: %v", err)
	}

	_, err := f.svc.Complete(context.Background(), doctor(), a.ID, CompleteRequest{})
	if !errors.Is(err, apperr.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
	if len(f.feedback.eligible) != 1 {
		t.Errorf("placeholders = %d, want 1", len(f.feedback.eligible))
	}
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	f := newFixture(Policy{RequirePayment: true})
	a := mustBook(t, f, "10:00", "10:30")

	got, changed, err := f.svc.ConfirmPayment(context.Background(), a.ID)
	if err != nil || !changed {
		t.Fatalf("first confirm: changed=%v err=%v", changed, err)
	}
	if got.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", got.Status)
	}

	_, changed, err = f.svc.ConfirmPayment(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if changed {
		t.Error("replayed confirm must be a no-op")
	}
}

func TestFailPaymentCancels(t *testing.T) {
	f := newFixture(Policy{RequirePayment: true})
	a := mustBook(t, f, "10:00", "10:30")

	got, changed, err := f.svc.FailPayment(context.Background(), a.ID)
	if err != nil || !changed {
		t.Fatalf("fail payment: changed=%v err=%v", changed, err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(Policy{})
	a := mustBook(t, f, "10:00", "10:30")

	for _, p := range []auth.Principal{patient(), doctor(), admin()} {
		if _, err := f.svc.Get(context.Background(), p, a.ID); err != nil {
			t.Errorf("get as %s: %v", p.Role, err)
		}
	}

	stranger := auth.Principal{ID: uuid.New(), Role: auth.RolePatient}
	if _, err := f.svc.Get(context.Background(), stranger, a.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("stranger get err = %v, want ErrForbidden", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingPayment, StatusScheduled, true},
		{StatusPendingPayment, StatusCancelled, true},
		{StatusPendingPayment, StatusInProgress, false},
		{StatusScheduled, StatusInProgress, true},
		{StatusScheduled, StatusCompleted, true},
		{StatusInProgress, StatusInConsultation, true},
		{StatusInProgress, StatusScheduled, true},
		{StatusInConsultation, StatusCompleted, true},
		{StatusInConsultation, StatusScheduled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusScheduled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	if !IsTerminal(StatusCompleted) || !IsTerminal(StatusCancelled) {
		t.Error("completed and cancelled must be terminal")
	}
	if IsTerminal(StatusScheduled) {
		t.Error("scheduled must not be terminal")
	}
}

func TestStartsAt(t *testing.T) {
	a := &Appointment{Date: monday, StartTime: "10:30"}
	want := time.Date(2026, 9, 7, 10, 30, 0, 0, time.UTC)
	if !a.StartsAt().Equal(want) {
		t.Errorf("StartsAt() = %v, want %v", a.StartsAt(), want)
	}
}
