package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sims-core-api/internal/models"
	"github.com/noah-isme/sims-core-api/pkg/config"
	appErrors "github.com/noah-isme/sims-core-api/pkg/errors"
)

type memEnrollmentRepo struct {
	mu       sync.Mutex
	rows     map[string]models.Enrollment
	nextID   int
	raceLeft int
}

func newMemEnrollmentRepo() *memEnrollmentRepo {
	return &memEnrollmentRepo{rows: make(map[string]models.Enrollment)}
}

func (m *memEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rows[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memEnrollmentRepo) FindByTuple(ctx context.Context, studentID, subjectID, academicYear string, term models.Term) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.rows {
		if e.StudentID == studentID && e.SubjectID == subjectID && e.AcademicYear == academicYear && e.Term == term {
			row := e
			return &row, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memEnrollmentRepo) CountSeatHolders(ctx context.Context, subjectID, academicYear string, term models.Term) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.rows {
		if e.SubjectID == subjectID && e.AcademicYear == academicYear && e.Term == term && e.Status.SeatHolding() {
			count++
		}
	}
	return count, nil
}

func (m *memEnrollmentRepo) Upsert(ctx context.Context, enrollment *models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raceLeft > 0 {
		m.raceLeft--
		return appErrors.Clone(appErrors.ErrCapacityRace, "serialization failure")
	}
	if enrollment.ID == "" {
		for _, e := range m.rows {
			if e.StudentID == enrollment.StudentID && e.SubjectID == enrollment.SubjectID && e.AcademicYear == enrollment.AcademicYear && e.Term == enrollment.Term {
				enrollment.ID = e.ID
				break
			}
		}
	}
	if enrollment.ID == "" {
		m.nextID++
		enrollment.ID = fmt.Sprintf("enr-%03d", m.nextID)
	}
	m.rows[enrollment.ID] = *enrollment
	return nil
}

func (m *memEnrollmentRepo) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus, decidedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return sql.ErrNoRows
	}
	e.Status = status
	e.DecidedAt = decidedAt
	m.rows[id] = e
	return nil
}

func (m *memEnrollmentRepo) UpdateScore(ctx context.Context, id string, score float64, resultNote *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return sql.ErrNoRows
	}
	e.Score = &score
	e.ResultNote = resultNote
	m.rows[id] = e
	return nil
}

func (m *memEnrollmentRepo) FirstWaitlisted(ctx context.Context, subjectID, academicYear string, term models.Term) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var waitlisted []models.Enrollment
	for _, e := range m.rows {
		if e.SubjectID == subjectID && e.AcademicYear == academicYear && e.Term == term && e.Status == models.EnrollmentStatusWaitlisted {
			waitlisted = append(waitlisted, e)
		}
	}
	if len(waitlisted) == 0 {
		return nil, sql.ErrNoRows
	}
	sort.Slice(waitlisted, func(i, j int) bool {
		if !waitlisted[i].RequestedAt.Equal(waitlisted[j].RequestedAt) {
			return waitlisted[i].RequestedAt.Before(waitlisted[j].RequestedAt)
		}
		return waitlisted[i].ID < waitlisted[j].ID
	})
	row := waitlisted[0]
	return &row, nil
}

func (m *memEnrollmentRepo) ListBySubjectTuple(ctx context.Context, subjectID, academicYear string, term models.Term) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.rows {
		if e.SubjectID == subjectID && e.AcademicYear == academicYear && e.Term == term {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEnrollmentRepo) ListSeatHoldersByStudent(ctx context.Context, studentID, academicYear string, term models.Term) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.rows {
		if e.StudentID == studentID && e.AcademicYear == academicYear && e.Term == term && e.Status.SeatHolding() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEnrollmentRepo) statusCounts(subjectID string) map[models.EnrollmentStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.EnrollmentStatus]int)
	for _, e := range m.rows {
		if e.SubjectID == subjectID {
			counts[e.Status]++
		}
	}
	return counts
}

type memCatalog struct {
	subjects map[string]models.Subject
}

func (m *memCatalog) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	if s, ok := m.subjects[id]; ok {
		row := s
		return &row, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memCatalog) ListActiveByGrade(ctx context.Context, gradeLevel int) ([]models.Subject, error) {
	var out []models.Subject
	for _, s := range m.subjects {
		if s.GradeLevel == gradeLevel && s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memRoster struct {
	students map[string]models.Student
}

func (m *memRoster) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := m.students[id]; ok {
		row := s
		return &row, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memRoster) ListActiveByGrade(ctx context.Context, gradeLevel int) ([]models.Student, error) {
	var out []models.Student
	for _, s := range m.students {
		if s.GradeLevel == gradeLevel && s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func mathSubject(capacity int) models.Subject {
	return models.Subject{
		ID:           "sub-math",
		Code:         "MATH101",
		Name:         "Mathematics",
		GradeLevel:   10,
		CreditWeight: 4,
		MaxCapacity:  capacity,
		Active:       true,
	}
}

func fixtureStudents(n int) map[string]models.Student {
	students := make(map[string]models.Student, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("stu-%03d", i)
		students[id] = models.Student{ID: id, FullName: fmt.Sprintf("Student %03d", i), GradeLevel: 10, Active: true}
	}
	return students
}

func newTestAdmissionService(repo *memEnrollmentRepo, catalog *memCatalog, roster *memRoster) *AdmissionService {
	return NewAdmissionService(repo, catalog, roster, nil, nil, nil, config.AdmissionConfig{MaxRetries: 3, BulkWorkers: 4})
}

func TestRequestEnrollmentApprovesWithinCapacity(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	result, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID:    "stu-000",
		SubjectID:    "sub-math",
		AcademicYear: "2025-2026",
		Term:         "FIRST",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionAdmitted, result.Outcome)
	assert.Equal(t, models.EnrollmentStatusApproved, result.Enrollment.Status)
	assert.NotNil(t, result.Enrollment.DecidedAt)
}

func TestRequestEnrollmentPendingWhenApprovalRequired(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := NewAdmissionService(repo, catalog, roster, nil, nil, nil, config.AdmissionConfig{RequireApproval: true, MaxRetries: 3})

	result, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID:    "stu-000",
		SubjectID:    "sub-math",
		AcademicYear: "2025-2026",
		Term:         "FIRST",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionPending, result.Outcome)
	assert.Equal(t, models.EnrollmentStatusPending, result.Enrollment.Status)
	assert.Nil(t, result.Enrollment.DecidedAt)
}

func TestRequestEnrollmentGradeMismatch(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: map[string]models.Student{
		"stu-low": {ID: "stu-low", FullName: "Low Grade", GradeLevel: 9, Active: true},
	}}
	svc := newTestAdmissionService(repo, catalog, roster)

	_, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID:    "stu-low",
		SubjectID:    "sub-math",
		AcademicYear: "2025-2026",
		Term:         "FIRST",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrGradeMismatch))
}

func TestRequestEnrollmentRejectsMalformedYear(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	for _, year := range []string{"2025", "2025-2027", "2026-2025", "abcd-efgh"} {
		_, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
			StudentID:    "stu-000",
			SubjectID:    "sub-math",
			AcademicYear: year,
			Term:         "FIRST",
		})
		require.Error(t, err, "year %q", year)
		assert.True(t, appErrors.Is(err, appErrors.ErrValidation), "year %q", year)
	}
}

func TestRequestEnrollmentWaitlistsWhenFull(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(1)}}
	roster := &memRoster{students: fixtureStudents(2)}
	svc := newTestAdmissionService(repo, catalog, roster)

	first, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionAdmitted, first.Outcome)

	second, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-001", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionWaitlisted, second.Outcome)
	assert.Equal(t, models.EnrollmentStatusWaitlisted, second.Enrollment.Status)
}

func TestRequestEnrollmentIdempotentForExistingRow(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	req := EnrollmentRequest{StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST"}
	first, err := svc.RequestEnrollment(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.RequestEnrollment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Enrollment.ID, second.Enrollment.ID)
	assert.Equal(t, models.AdmissionAdmitted, second.Outcome)
	assert.Len(t, repo.rows, 1)
}

func TestRequestEnrollmentReactivatesDroppedRow(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	req := EnrollmentRequest{StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST"}
	first, err := svc.RequestEnrollment(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Withdraw(context.Background(), first.Enrollment.ID)
	require.NoError(t, err)

	again, err := svc.RequestEnrollment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Enrollment.ID, again.Enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusApproved, again.Enrollment.Status)
	assert.Len(t, repo.rows, 1)
}

func TestRequestEnrollmentDoesNotReopenCompletedRow(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	req := EnrollmentRequest{StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST"}
	first, err := svc.RequestEnrollment(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), first.Enrollment.ID)
	require.NoError(t, err)

	// The completed row is a transcript record. A repeat request must not
	// resurrect it the way a dropped row reactivates.
	_, err = svc.RequestEnrollment(context.Background(), req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))

	row, err := repo.FindByID(context.Background(), first.Enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, row.Status)
	assert.Len(t, repo.rows, 1)
}

func TestConcurrentAdmissionNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	const contenders = 10

	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(capacity)}}
	roster := &memRoster{students: fixtureStudents(contenders)}
	svc := newTestAdmissionService(repo, catalog, roster)

	var wg sync.WaitGroup
	outcomes := make([]models.AdmissionOutcome, contenders)
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
				StudentID:    fmt.Sprintf("stu-%03d", i),
				SubjectID:    "sub-math",
				AcademicYear: "2025-2026",
				Term:         "FIRST",
			})
			if err != nil {
				errs[i] = err
				return
			}
			outcomes[i] = result.Outcome
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "contender %d", i)
	}

	admitted, waitlisted := 0, 0
	for _, outcome := range outcomes {
		switch outcome {
		case models.AdmissionAdmitted:
			admitted++
		case models.AdmissionWaitlisted:
			waitlisted++
		}
	}
	assert.Equal(t, capacity, admitted)
	assert.Equal(t, contenders-capacity, waitlisted)

	count, err := repo.CountSeatHolders(context.Background(), "sub-math", "2025-2026", models.TermFirst)
	require.NoError(t, err)
	assert.Equal(t, capacity, count)
}

func TestRequestEnrollmentRetriesCapacityRace(t *testing.T) {
	repo := newMemEnrollmentRepo()
	repo.raceLeft = 2
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	result, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionAdmitted, result.Outcome)
}

func TestRequestEnrollmentFailsAfterRetriesExhausted(t *testing.T) {
	repo := newMemEnrollmentRepo()
	repo.raceLeft = 10
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	_, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAdmissionFailed))
}

func TestPromoteFromWaitlistFIFO(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(1)}}
	roster := &memRoster{students: fixtureStudents(4)}
	svc := newTestAdmissionService(repo, catalog, roster)

	holder, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)

	// stu-001, stu-002, stu-003 join the waitlist in order.
	for i := 1; i < 4; i++ {
		result, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
			StudentID: fmt.Sprintf("stu-%03d", i), SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
		})
		require.NoError(t, err)
		require.Equal(t, models.AdmissionWaitlisted, result.Outcome)
		time.Sleep(time.Millisecond)
	}

	// Section still full: promotion is a no-op.
	promoted, err := svc.PromoteFromWaitlist(context.Background(), "sub-math", "2025-2026", "FIRST")
	require.NoError(t, err)
	assert.Nil(t, promoted)

	_, err = svc.Withdraw(context.Background(), holder.Enrollment.ID)
	require.NoError(t, err)

	promoted, err = svc.PromoteFromWaitlist(context.Background(), "sub-math", "2025-2026", "FIRST")
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "stu-001", promoted.StudentID)
	assert.Equal(t, models.EnrollmentStatusApproved, promoted.Status)

	// Seat taken again: the next promotion attempt does nothing.
	promoted, err = svc.PromoteFromWaitlist(context.Background(), "sub-math", "2025-2026", "FIRST")
	require.NoError(t, err)
	assert.Nil(t, promoted)
}

func TestWithdrawRequiresSeatHoldingStatus(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(1)}}
	roster := &memRoster{students: fixtureStudents(2)}
	svc := newTestAdmissionService(repo, catalog, roster)

	_, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	waitlisted, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-001", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	require.Equal(t, models.AdmissionWaitlisted, waitlisted.Outcome)

	_, err = svc.Withdraw(context.Background(), waitlisted.Enrollment.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))

	// Cancel drops any non-terminal enrollment, waitlisted included.
	cancelled, err := svc.Cancel(context.Background(), waitlisted.Enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusDropped, cancelled.Status)
}

func TestDecideRejectMarksRejected(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(1)}}
	roster := &memRoster{students: fixtureStudents(2)}
	svc := NewAdmissionService(repo, catalog, roster, nil, nil, nil, config.AdmissionConfig{RequireApproval: true, MaxRetries: 3})

	pendingA, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	pendingB, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-001", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)

	approved, err := svc.Decide(context.Background(), pendingA.Enrollment.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionAdmitted, approved.Outcome)

	rejected, err := svc.Decide(context.Background(), pendingB.Enrollment.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusRejected, rejected.Enrollment.Status)

	// Decision is final: a second decision on the same row fails.
	_, err = svc.Decide(context.Background(), pendingB.Enrollment.ID, true)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestDecideApproveWaitlistsWhenFull(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(1)}}
	roster := &memRoster{students: fixtureStudents(2)}
	svc := NewAdmissionService(repo, catalog, roster, nil, nil, nil, config.AdmissionConfig{RequireApproval: true, MaxRetries: 3})

	pendingA, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	pendingB, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-001", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), pendingA.Enrollment.ID, true)
	require.NoError(t, err)

	result, err := svc.Decide(context.Background(), pendingB.Enrollment.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.AdmissionWaitlisted, result.Outcome)
	assert.Equal(t, models.EnrollmentStatusWaitlisted, result.Enrollment.Status)
}

// staleFirstReadRepo serves one read from before a concurrent status
// change, the way a lookup racing a cancellation would.
type staleFirstReadRepo struct {
	*memEnrollmentRepo
	stale  models.EnrollmentStatus
	served bool
}

func (r *staleFirstReadRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	row, err := r.memEnrollmentRepo.FindByID(ctx, id)
	if err != nil || r.served {
		return row, err
	}
	r.served = true
	copied := *row
	copied.Status = r.stale
	return &copied, nil
}

func TestDecideRereadsRowUnderLock(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	setup := NewAdmissionService(repo, catalog, roster, nil, nil, nil, config.AdmissionConfig{RequireApproval: true, MaxRetries: 3})

	pending, err := setup.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	_, err = setup.Cancel(context.Background(), pending.Enrollment.ID)
	require.NoError(t, err)

	// The pre-lock load still sees the row as pending; the re-read under
	// the tuple lock must catch the cancellation.
	stale := &staleFirstReadRepo{memEnrollmentRepo: repo, stale: models.EnrollmentStatusPending}
	svc := NewAdmissionService(stale, catalog, roster, nil, nil, nil, config.AdmissionConfig{RequireApproval: true, MaxRetries: 3})

	_, err = svc.Decide(context.Background(), pending.Enrollment.ID, true)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))

	row, err := repo.FindByID(context.Background(), pending.Enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusDropped, row.Status)
}

func TestWithdrawRereadsRowUnderLock(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	setup := newTestAdmissionService(repo, catalog, roster)

	admitted, err := setup.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	_, err = setup.Cancel(context.Background(), admitted.Enrollment.ID)
	require.NoError(t, err)

	stale := &staleFirstReadRepo{memEnrollmentRepo: repo, stale: models.EnrollmentStatusApproved}
	svc := NewAdmissionService(stale, catalog, roster, nil, nil, nil, config.AdmissionConfig{MaxRetries: 3})

	_, err = svc.Withdraw(context.Background(), admitted.Enrollment.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestRecordScoreGuards(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	result, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)

	_, err = svc.RecordScore(context.Background(), result.Enrollment.ID, ScoreRequest{Score: 150})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	note := "strong term"
	scored, err := svc.RecordScore(context.Background(), result.Enrollment.ID, ScoreRequest{Score: 92.5, ResultNote: &note})
	require.NoError(t, err)
	require.NotNil(t, scored.Score)
	assert.Equal(t, 92.5, *scored.Score)

	dropped, err := svc.Withdraw(context.Background(), result.Enrollment.ID)
	require.NoError(t, err)
	_, err = svc.RecordScore(context.Background(), dropped.ID, ScoreRequest{Score: 50})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestBulkAutoAssignReportsPerStudentOutcomes(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(3)}}
	roster := &memRoster{students: fixtureStudents(5)}
	svc := newTestAdmissionService(repo, catalog, roster)

	// stu-000 already enrolled before the batch.
	_, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)

	results, err := svc.BulkAutoAssign(context.Background(), BulkAssignRequest{
		SubjectID:    "sub-math",
		GradeLevel:   10,
		AcademicYear: "2025-2026",
		Term:         "FIRST",
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	counts := make(map[models.AdmissionOutcome]int)
	for _, r := range results {
		counts[r.Outcome]++
		if r.StudentID == "stu-000" {
			assert.Equal(t, models.AdmissionSkipped, r.Outcome)
			assert.Equal(t, "already enrolled", r.Reason)
		}
	}
	// One skipped, two fill the remaining seats, two waitlisted.
	assert.Equal(t, 1, counts[models.AdmissionSkipped])
	assert.Equal(t, 2, counts[models.AdmissionAdmitted])
	assert.Equal(t, 2, counts[models.AdmissionWaitlisted])

	statuses := repo.statusCounts("sub-math")
	assert.Equal(t, 3, statuses[models.EnrollmentStatusApproved])
	assert.Equal(t, 2, statuses[models.EnrollmentStatusWaitlisted])
}

func TestAutoAssignStudentEnrollsWholeGradeCatalog(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{
		"sub-math": mathSubject(30),
		"sub-bio": {
			ID: "sub-bio", Code: "BIO101", Name: "Biology", GradeLevel: 10, CreditWeight: 3, MaxCapacity: 30, Active: true,
		},
		"sub-old": {
			ID: "sub-old", Code: "OLD101", Name: "Retired", GradeLevel: 10, MaxCapacity: 30, Active: false,
		},
	}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	results, err := svc.AutoAssignStudent(context.Background(), "stu-000", "2025-2026", "FIRST")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.AdmissionAdmitted, r.Outcome)
	}
	for _, row := range repo.rows {
		assert.True(t, row.IsAutoAssigned)
	}
}

func TestRegisterScheduleBlocksOnConflictUnlessForced(t *testing.T) {
	morning := models.Subject{
		ID: "sub-a", Code: "MATH101", Name: "Mathematics", GradeLevel: 10, MaxCapacity: 30, Active: true,
		TimeSlots: []models.TimeSlot{{DayOfWeek: "mon", StartTime: "09:00", EndTime: "10:30"}},
	}
	overlapping := models.Subject{
		ID: "sub-b", Code: "PHY101", Name: "Physics", GradeLevel: 10, MaxCapacity: 30, Active: true,
		TimeSlots: []models.TimeSlot{{DayOfWeek: "mon", StartTime: "10:00", EndTime: "11:00"}},
	}

	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-a": morning, "sub-b": overlapping}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	req := ScheduleRequest{
		StudentID:    "stu-000",
		SubjectIDs:   []string{"sub-a", "sub-b"},
		AcademicYear: "2025-2026",
		Term:         "FIRST",
	}
	result, err := svc.RegisterSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Registered)
	require.Len(t, result.Conflicts, 1)
	assert.Empty(t, repo.rows)

	req.Force = true
	result, err = svc.RegisterSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Registered)
	require.Len(t, result.Results, 2)
	assert.Len(t, repo.rows, 2)
}

func TestRegisterScheduleRejectsMalformedYear(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(30)}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	for _, year := range []string{"2025", "2026-2025", "abcd-efgh"} {
		_, err := svc.RegisterSchedule(context.Background(), ScheduleRequest{
			StudentID:    "stu-000",
			SubjectIDs:   []string{"sub-math"},
			AcademicYear: year,
			Term:         "FIRST",
		})
		require.Error(t, err, "year %q", year)
		assert.True(t, appErrors.Is(err, appErrors.ErrValidation), "year %q", year)
	}
	assert.Empty(t, repo.rows)
}

func TestRegisterScheduleConsidersCurrentEnrollments(t *testing.T) {
	morning := models.Subject{
		ID: "sub-a", Code: "MATH101", Name: "Mathematics", GradeLevel: 10, MaxCapacity: 30, Active: true,
		TimeSlots: []models.TimeSlot{{DayOfWeek: "tue", StartTime: "08:00", EndTime: "09:00"}},
	}
	clashing := models.Subject{
		ID: "sub-b", Code: "CHEM101", Name: "Chemistry", GradeLevel: 10, MaxCapacity: 30, Active: true,
		TimeSlots: []models.TimeSlot{{DayOfWeek: "tue", StartTime: "08:30", EndTime: "09:30"}},
	}

	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-a": morning, "sub-b": clashing}}
	roster := &memRoster{students: fixtureStudents(1)}
	svc := newTestAdmissionService(repo, catalog, roster)

	_, err := svc.RequestEnrollment(context.Background(), EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-a", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)

	result, err := svc.RegisterSchedule(context.Background(), ScheduleRequest{
		StudentID:    "stu-000",
		SubjectIDs:   []string{"sub-b"},
		AcademicYear: "2025-2026",
		Term:         "FIRST",
	})
	require.NoError(t, err)
	assert.False(t, result.Registered)
	require.Len(t, result.Conflicts, 1)
}

// enrollmentCohort reads scored rows straight out of the enrollment
// fake so ranking can run against the lifecycle's real end state.
type enrollmentCohort struct {
	repo   *memEnrollmentRepo
	roster *memRoster
}

func (c *enrollmentCohort) scoredRows(ctx context.Context, keep func(models.Enrollment) bool) ([]models.CohortScore, error) {
	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	var out []models.CohortScore
	for _, e := range c.repo.rows {
		if e.Score == nil || e.Status == models.EnrollmentStatusDropped || e.Status == models.EnrollmentStatusRejected {
			continue
		}
		if !keep(e) {
			continue
		}
		name := ""
		if s, ok := c.roster.students[e.StudentID]; ok {
			name = s.FullName
		}
		out = append(out, models.CohortScore{
			StudentID:   e.StudentID,
			StudentName: name,
			SubjectID:   e.SubjectID,
			Score:       e.Score,
		})
	}
	return out, nil
}

func (c *enrollmentCohort) ListScoredBySubject(ctx context.Context, subjectID, academicYear string, term models.Term) ([]models.CohortScore, error) {
	return c.scoredRows(ctx, func(e models.Enrollment) bool {
		return e.SubjectID == subjectID && e.AcademicYear == academicYear && e.Term == term
	})
}

func (c *enrollmentCohort) ListScoredByStudent(ctx context.Context, studentID, academicYear string, term models.Term) ([]models.CohortScore, error) {
	return c.scoredRows(ctx, func(e models.Enrollment) bool {
		return e.StudentID == studentID && e.AcademicYear == academicYear && (term == "" || e.Term == term)
	})
}

func (c *enrollmentCohort) ListScoredByGrade(ctx context.Context, gradeLevel int, academicYear string, term models.Term) ([]models.CohortScore, error) {
	return c.scoredRows(ctx, func(e models.Enrollment) bool {
		s, ok := c.roster.students[e.StudentID]
		return ok && s.GradeLevel == gradeLevel && e.AcademicYear == academicYear && e.Term == term
	})
}

// The full term in miniature: two students take the last seats, a third
// waits, scores land, an early completion frees a seat, the waitlist
// advances, and the final ranking reflects all of it.
func TestEnrollmentLifecycleFeedsSubjectRanking(t *testing.T) {
	repo := newMemEnrollmentRepo()
	catalog := &memCatalog{subjects: map[string]models.Subject{"sub-math": mathSubject(2)}}
	roster := &memRoster{students: fixtureStudents(3)}
	svc := newTestAdmissionService(repo, catalog, roster)
	ctx := context.Background()

	first, err := svc.RequestEnrollment(ctx, EnrollmentRequest{
		StudentID: "stu-000", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	require.Equal(t, models.AdmissionAdmitted, first.Outcome)

	second, err := svc.RequestEnrollment(ctx, EnrollmentRequest{
		StudentID: "stu-001", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	require.Equal(t, models.AdmissionAdmitted, second.Outcome)

	third, err := svc.RequestEnrollment(ctx, EnrollmentRequest{
		StudentID: "stu-002", SubjectID: "sub-math", AcademicYear: "2025-2026", Term: "FIRST",
	})
	require.NoError(t, err)
	require.Equal(t, models.AdmissionWaitlisted, third.Outcome)

	_, err = svc.RecordScore(ctx, first.Enrollment.ID, ScoreRequest{Score: 90})
	require.NoError(t, err)
	_, err = svc.RecordScore(ctx, second.Enrollment.ID, ScoreRequest{Score: 90})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, first.Enrollment.ID)
	require.NoError(t, err)

	promoted, err := svc.PromoteFromWaitlist(ctx, "sub-math", "2025-2026", "FIRST")
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "stu-002", promoted.StudentID)

	_, err = svc.RecordScore(ctx, promoted.ID, ScoreRequest{Score: 75})
	require.NoError(t, err)

	ranking := NewRankingService(&enrollmentCohort{repo: repo, roster: roster}, &memWeights{subjects: catalog.subjects}, defaultScale(), nil, nil)
	ranked, err := ranking.ComputeSubjectRanking(ctx, "sub-math", "2025-2026", "FIRST")
	require.NoError(t, err)
	require.Len(t, ranked, 3, "the completed score stays in the ranking")

	// The two 90s share first place and consume both rank numbers.
	assert.Equal(t, "stu-000", ranked[0].StudentID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, "stu-001", ranked[1].StudentID)
	assert.Equal(t, 1, ranked[1].Rank)
	assert.Equal(t, "stu-002", ranked[2].StudentID)
	assert.Equal(t, 3, ranked[2].Rank)
}
