package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-core-api/internal/models"
	"github.com/noah-isme/sims-core-api/pkg/config"
	appErrors "github.com/noah-isme/sims-core-api/pkg/errors"
	"github.com/noah-isme/sims-core-api/pkg/keymutex"
)

type admissionEnrollmentRepo interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByTuple(ctx context.Context, studentID, subjectID, academicYear string, term models.Term) (*models.Enrollment, error)
	CountSeatHolders(ctx context.Context, subjectID, academicYear string, term models.Term) (int, error)
	Upsert(ctx context.Context, enrollment *models.Enrollment) error
	UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus, decidedAt *time.Time) error
	UpdateScore(ctx context.Context, id string, score float64, resultNote *string) error
	FirstWaitlisted(ctx context.Context, subjectID, academicYear string, term models.Term) (*models.Enrollment, error)
	ListBySubjectTuple(ctx context.Context, subjectID, academicYear string, term models.Term) ([]models.Enrollment, error)
	ListSeatHoldersByStudent(ctx context.Context, studentID, academicYear string, term models.Term) ([]models.Enrollment, error)
}

type catalogReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
	ListActiveByGrade(ctx context.Context, gradeLevel int) ([]models.Subject, error)
}

type rosterReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	ListActiveByGrade(ctx context.Context, gradeLevel int) ([]models.Student, error)
}

// EnrollmentRequest describes a single registration request.
type EnrollmentRequest struct {
	StudentID    string `json:"student_id" validate:"required"`
	SubjectID    string `json:"subject_id" validate:"required"`
	AcademicYear string `json:"academic_year" validate:"required"`
	Term         string `json:"term" validate:"required"`
	AutoAssigned bool   `json:"auto_assigned"`
}

// ScheduleRequest describes a batch registration over a proposed subject set.
type ScheduleRequest struct {
	StudentID    string   `json:"student_id" validate:"required"`
	SubjectIDs   []string `json:"subject_ids" validate:"required,min=1"`
	AcademicYear string   `json:"academic_year" validate:"required"`
	Term         string   `json:"term" validate:"required"`
	Force        bool     `json:"force"`
}

// ScheduleRegistrationResult reports detected conflicts and, when the
// registration proceeded, the per-subject admission outcomes.
type ScheduleRegistrationResult struct {
	Conflicts  []models.Conflict               `json:"conflicts,omitempty"`
	Registered bool                            `json:"registered"`
	Results    []models.SubjectAdmissionResult `json:"results,omitempty"`
}

// BulkAssignRequest targets every unenrolled student of a grade level.
type BulkAssignRequest struct {
	SubjectID    string `json:"subject_id" validate:"required"`
	GradeLevel   int    `json:"grade_level" validate:"required,min=1"`
	AcademicYear string `json:"academic_year" validate:"required"`
	Term         string `json:"term" validate:"required"`
}

// ScoreRequest records a score against an enrollment.
type ScoreRequest struct {
	Score      float64 `json:"score" validate:"min=0,max=100"`
	ResultNote *string `json:"result_note,omitempty"`
}

// AdmissionService owns the enrollment lifecycle: it admits, waitlists or
// rejects registration requests while guaranteeing that approved and
// active enrollments never exceed subject capacity, even under concurrent
// requests for the last seat.
type AdmissionService struct {
	enrollments admissionEnrollmentRepo
	subjects    catalogReader
	students    rosterReader
	locks       *keymutex.KeyMutex
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
	cfg         config.AdmissionConfig
	now         func() time.Time
}

// NewAdmissionService constructs AdmissionService.
func NewAdmissionService(enrollments admissionEnrollmentRepo, subjects catalogReader, students rosterReader, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg config.AdmissionConfig) *AdmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = 4
	}
	return &AdmissionService{
		enrollments: enrollments,
		subjects:    subjects,
		students:    students,
		locks:       keymutex.New(),
		validator:   validate,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func tupleKey(subjectID, academicYear string, term models.Term) string {
	return subjectID + "|" + academicYear + "|" + string(term)
}

// RequestEnrollment admits a student into a subject or waitlists them
// when the section is full. Repeat requests for the same tuple return the
// existing enrollment; dropped or rejected rows are reactivated instead
// of duplicated.
func (s *AdmissionService) RequestEnrollment(ctx context.Context, req EnrollmentRequest) (*models.AdmissionResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if err := models.ValidateAcademicYear(req.AcademicYear); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	term, err := models.ParseTerm(req.Term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}

	subject, err := s.subjects.FindByID(ctx, req.SubjectID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	if !subject.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "subject inactive")
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "student inactive")
	}
	if student.GradeLevel != subject.GradeLevel {
		return nil, appErrors.Clone(appErrors.ErrGradeMismatch,
			fmt.Sprintf("student is grade %d but subject %s is for grade %d", student.GradeLevel, subject.Code, subject.GradeLevel))
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		result, err := s.admit(ctx, subject, student.ID, req.AcademicYear, term, req.AutoAssigned)
		if err == nil {
			return result, nil
		}
		if !appErrors.Is(err, appErrors.ErrCapacityRace) {
			return nil, err
		}
		lastErr = err
		s.metrics.RecordCapacityRetry()
		s.logger.Warn("capacity race detected, retrying admission",
			zap.String("subject_id", subject.ID),
			zap.String("student_id", student.ID),
			zap.Int("attempt", attempt+1))
	}
	return nil, appErrors.Wrap(lastErr, appErrors.ErrAdmissionFailed.Code, appErrors.ErrAdmissionFailed.Status, "admission retries exhausted")
}

// admit runs one check-then-act admission attempt. The per-tuple lock
// makes the capacity count and the enrollment write indivisible.
func (s *AdmissionService) admit(ctx context.Context, subject *models.Subject, studentID, academicYear string, term models.Term, autoAssigned bool) (*models.AdmissionResult, error) {
	key := tupleKey(subject.ID, academicYear, term)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	existing, err := s.enrollments.FindByTuple(ctx, studentID, subject.ID, academicYear, term)
	if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if existing != nil {
		if !existing.Status.Terminal() {
			return &models.AdmissionResult{Outcome: outcomeForStatus(existing.Status), Enrollment: existing}, nil
		}
		// Completion is final: the transcript record must survive repeat
		// registrations. Only dropped and rejected rows reopen.
		if existing.Status == models.EnrollmentStatusCompleted {
			return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment already completed")
		}
	}

	count, err := s.enrollments.CountSeatHolders(ctx, subject.ID, academicYear, term)
	if err != nil {
		return nil, countError(err)
	}

	now := s.now()
	enrollment := &models.Enrollment{
		StudentID:      studentID,
		SubjectID:      subject.ID,
		AcademicYear:   academicYear,
		Term:           term,
		IsAutoAssigned: autoAssigned,
		RequestedAt:    now,
	}
	if existing != nil {
		// Reactivation of a dropped or rejected row keeps its identity
		// and recorded score.
		enrollment.ID = existing.ID
		enrollment.CreatedAt = existing.CreatedAt
	}

	var outcome models.AdmissionOutcome
	switch {
	case count >= subject.MaxCapacity:
		enrollment.Status = models.EnrollmentStatusWaitlisted
		outcome = models.AdmissionWaitlisted
	case s.cfg.RequireApproval:
		enrollment.Status = models.EnrollmentStatusPending
		outcome = models.AdmissionPending
	default:
		enrollment.Status = models.EnrollmentStatusApproved
		enrollment.DecidedAt = &now
		outcome = models.AdmissionAdmitted
	}

	if err := s.enrollments.Upsert(ctx, enrollment); err != nil {
		if appErrors.Is(err, appErrors.ErrCapacityRace) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist enrollment")
	}

	s.metrics.RecordAdmission(outcome)
	s.logger.Info("admission decided",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("subject_id", subject.ID),
		zap.String("student_id", studentID),
		zap.String("outcome", string(outcome)))
	return &models.AdmissionResult{Outcome: outcome, Enrollment: enrollment}, nil
}

// PromoteFromWaitlist moves the earliest-queued waitlisted enrollment to
// approved when a seat is free. It is a no-op when the section is still
// full or the waitlist is empty, and idempotent across repeated calls.
func (s *AdmissionService) PromoteFromWaitlist(ctx context.Context, subjectID, academicYear, rawTerm string) (*models.Enrollment, error) {
	if err := models.ValidateAcademicYear(academicYear); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	term, err := models.ParseTerm(rawTerm)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	key := tupleKey(subjectID, academicYear, term)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	count, err := s.enrollments.CountSeatHolders(ctx, subjectID, academicYear, term)
	if err != nil {
		return nil, countError(err)
	}
	if count >= subject.MaxCapacity {
		return nil, nil
	}

	next, err := s.enrollments.FirstWaitlisted(ctx, subjectID, academicYear, term)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect waitlist")
	}

	now := s.now()
	if err := s.enrollments.UpdateStatus(ctx, next.ID, models.EnrollmentStatusApproved, &now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to promote enrollment")
	}
	next.Status = models.EnrollmentStatusApproved
	next.DecidedAt = &now
	s.metrics.RecordPromotion()
	s.logger.Info("waitlist promotion",
		zap.String("enrollment_id", next.ID),
		zap.String("subject_id", subjectID))
	return next, nil
}

// Withdraw transitions an approved or active enrollment to dropped,
// freeing one seat. Waitlist advancement is left to the caller via
// PromoteFromWaitlist so the side effects stay explicit.
func (s *AdmissionService) Withdraw(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return s.transition(ctx, enrollmentID, models.EnrollmentStatusDropped, func(status models.EnrollmentStatus) error {
		if !status.SeatHolding() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is not approved or active")
		}
		return nil
	})
}

// Complete closes out an approved or active enrollment at term end.
func (s *AdmissionService) Complete(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return s.transition(ctx, enrollmentID, models.EnrollmentStatusCompleted, func(status models.EnrollmentStatus) error {
		if !status.SeatHolding() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is not approved or active")
		}
		return nil
	})
}

// Cancel force-drops any non-terminal enrollment on behalf of an external
// cancellation request.
func (s *AdmissionService) Cancel(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return s.transition(ctx, enrollmentID, models.EnrollmentStatusDropped, func(status models.EnrollmentStatus) error {
		if status.Terminal() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment already terminal")
		}
		return nil
	})
}

func (s *AdmissionService) transition(ctx context.Context, enrollmentID string, to models.EnrollmentStatus, check func(models.EnrollmentStatus) error) (*models.Enrollment, error) {
	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	key := tupleKey(enrollment.SubjectID, enrollment.AcademicYear, enrollment.Term)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	// Re-read under the lock: a concurrent transition may have moved the
	// row since the first load.
	enrollment, err = s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if err := check(enrollment.Status); err != nil {
		return nil, err
	}
	if !models.CanTransition(enrollment.Status, to) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move enrollment from %s to %s", enrollment.Status, to))
	}

	now := s.now()
	if err := s.enrollments.UpdateStatus(ctx, enrollment.ID, to, &now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment status")
	}
	enrollment.Status = to
	enrollment.DecidedAt = &now
	return enrollment, nil
}

// Decide resolves a pending enrollment. Approval re-checks capacity under
// the same serialization point as admission: a full section waitlists the
// student instead.
func (s *AdmissionService) Decide(ctx context.Context, enrollmentID string, approve bool) (*models.AdmissionResult, error) {
	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	key := tupleKey(enrollment.SubjectID, enrollment.AcademicYear, enrollment.Term)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	// Re-read under the lock so a racing cancellation cannot be decided
	// over from a stale view.
	enrollment, err = s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is not pending")
	}

	now := s.now()
	if !approve {
		if err := s.enrollments.UpdateStatus(ctx, enrollment.ID, models.EnrollmentStatusRejected, &now); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reject enrollment")
		}
		enrollment.Status = models.EnrollmentStatusRejected
		enrollment.DecidedAt = &now
		return &models.AdmissionResult{Outcome: models.AdmissionSkipped, Enrollment: enrollment}, nil
	}

	subject, err := s.subjects.FindByID(ctx, enrollment.SubjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	count, err := s.enrollments.CountSeatHolders(ctx, enrollment.SubjectID, enrollment.AcademicYear, enrollment.Term)
	if err != nil {
		return nil, countError(err)
	}

	status := models.EnrollmentStatusApproved
	outcome := models.AdmissionAdmitted
	if count >= subject.MaxCapacity {
		status = models.EnrollmentStatusWaitlisted
		outcome = models.AdmissionWaitlisted
	}
	if err := s.enrollments.UpdateStatus(ctx, enrollment.ID, status, &now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve enrollment")
	}
	enrollment.Status = status
	enrollment.DecidedAt = &now
	s.metrics.RecordAdmission(outcome)
	return &models.AdmissionResult{Outcome: outcome, Enrollment: enrollment}, nil
}

// RecordScore stores a 0-100 score and optional result note against an
// enrollment. Dropped and rejected enrollments cannot be scored.
func (s *AdmissionService) RecordScore(ctx context.Context, enrollmentID string, req ScoreRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "score must be between 0 and 100")
	}
	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	switch enrollment.Status {
	case models.EnrollmentStatusDropped, models.EnrollmentStatusRejected, models.EnrollmentStatusPending, models.EnrollmentStatusWaitlisted:
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is not gradable")
	}
	if err := s.enrollments.UpdateScore(ctx, enrollment.ID, req.Score, req.ResultNote); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record score")
	}
	score := req.Score
	enrollment.Score = &score
	enrollment.ResultNote = req.ResultNote
	return enrollment, nil
}

// RegisterSchedule runs the conflict detector over the proposed subjects
// plus the student's current schedule before enrolling. Conflicts are
// advisory: the caller decides whether to force-register anyway.
func (s *AdmissionService) RegisterSchedule(ctx context.Context, req ScheduleRequest) (*ScheduleRegistrationResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid schedule payload")
	}
	if err := models.ValidateAcademicYear(req.AcademicYear); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	term, err := models.ParseTerm(req.Term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}

	candidates := make([]models.Subject, 0, len(req.SubjectIDs))
	seen := make(map[string]bool, len(req.SubjectIDs))
	for _, subjectID := range req.SubjectIDs {
		if seen[subjectID] {
			continue
		}
		seen[subjectID] = true
		subject, err := s.subjects.FindByID(ctx, subjectID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("subject %s not found", subjectID))
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
		}
		candidates = append(candidates, *subject)
	}
	proposedCount := len(candidates)

	current, err := s.enrollments.ListSeatHoldersByStudent(ctx, req.StudentID, req.AcademicYear, term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current schedule")
	}
	for _, enrollment := range current {
		if seen[enrollment.SubjectID] {
			continue
		}
		seen[enrollment.SubjectID] = true
		subject, err := s.subjects.FindByID(ctx, enrollment.SubjectID)
		if err != nil {
			// Missing catalog data degrades to no conflict analysis for
			// that subject, never to a failed registration.
			continue
		}
		candidates = append(candidates, *subject)
	}

	conflicts := DetectConflicts(candidates)
	if len(conflicts) > 0 && !req.Force {
		return &ScheduleRegistrationResult{Conflicts: conflicts, Registered: false}, nil
	}

	results := make([]models.SubjectAdmissionResult, 0, proposedCount)
	for _, subject := range candidates[:proposedCount] {
		admission, err := s.RequestEnrollment(ctx, EnrollmentRequest{
			StudentID:    req.StudentID,
			SubjectID:    subject.ID,
			AcademicYear: req.AcademicYear,
			Term:         req.Term,
		})
		if err != nil {
			results = append(results, models.SubjectAdmissionResult{
				SubjectID: subject.ID,
				Outcome:   models.AdmissionSkipped,
				Reason:    appErrors.FromError(err).Message,
			})
			continue
		}
		results = append(results, models.SubjectAdmissionResult{SubjectID: subject.ID, Outcome: admission.Outcome})
	}
	return &ScheduleRegistrationResult{Conflicts: conflicts, Registered: true, Results: results}, nil
}

// BulkAutoAssign registers every active student of the grade level who
// does not already hold a non-terminal enrollment for the subject tuple.
// Each student's admission is independent: one failure never aborts the
// batch.
func (s *AdmissionService) BulkAutoAssign(ctx context.Context, req BulkAssignRequest) ([]models.StudentAdmissionResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk assignment payload")
	}
	term, err := models.ParseTerm(req.Term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	subject, err := s.subjects.FindByID(ctx, req.SubjectID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	if subject.GradeLevel != req.GradeLevel {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("subject %s is for grade %d", subject.Code, subject.GradeLevel))
	}

	existing, err := s.enrollments.ListBySubjectTuple(ctx, req.SubjectID, req.AcademicYear, term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	linked := make(map[string]bool, len(existing))
	for _, enrollment := range existing {
		if !enrollment.Status.Terminal() {
			linked[enrollment.StudentID] = true
		}
	}

	students, err := s.students.ListActiveByGrade(ctx, req.GradeLevel)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}

	results := make([]models.StudentAdmissionResult, len(students))
	sem := make(chan struct{}, s.cfg.BulkWorkers)
	var wg sync.WaitGroup
	for i, student := range students {
		if linked[student.ID] {
			results[i] = models.StudentAdmissionResult{StudentID: student.ID, Outcome: models.AdmissionSkipped, Reason: "already enrolled"}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, studentID string) {
			defer wg.Done()
			defer func() { <-sem }()
			admission, err := s.RequestEnrollment(ctx, EnrollmentRequest{
				StudentID:    studentID,
				SubjectID:    req.SubjectID,
				AcademicYear: req.AcademicYear,
				Term:         req.Term,
				AutoAssigned: true,
			})
			if err != nil {
				results[i] = models.StudentAdmissionResult{StudentID: studentID, Outcome: models.AdmissionSkipped, Reason: appErrors.FromError(err).Message}
				return
			}
			results[i] = models.StudentAdmissionResult{StudentID: studentID, Outcome: admission.Outcome}
		}(i, student.ID)
	}
	wg.Wait()
	return results, nil
}

// AutoAssignStudent enrolls one student into every active subject of
// their grade level, marking the enrollments as auto-assigned.
func (s *AdmissionService) AutoAssignStudent(ctx context.Context, studentID, academicYear, rawTerm string) ([]models.SubjectAdmissionResult, error) {
	if err := models.ValidateAcademicYear(academicYear); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	if _, err := models.ParseTerm(rawTerm); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	subjects, err := s.subjects.ListActiveByGrade(ctx, student.GradeLevel)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}

	results := make([]models.SubjectAdmissionResult, 0, len(subjects))
	for _, subject := range subjects {
		admission, err := s.RequestEnrollment(ctx, EnrollmentRequest{
			StudentID:    studentID,
			SubjectID:    subject.ID,
			AcademicYear: academicYear,
			Term:         rawTerm,
			AutoAssigned: true,
		})
		if err != nil {
			results = append(results, models.SubjectAdmissionResult{
				SubjectID: subject.ID,
				Outcome:   models.AdmissionSkipped,
				Reason:    appErrors.FromError(err).Message,
			})
			continue
		}
		results = append(results, models.SubjectAdmissionResult{SubjectID: subject.ID, Outcome: admission.Outcome})
	}
	return results, nil
}

func outcomeForStatus(status models.EnrollmentStatus) models.AdmissionOutcome {
	switch status {
	case models.EnrollmentStatusWaitlisted:
		return models.AdmissionWaitlisted
	case models.EnrollmentStatusPending:
		return models.AdmissionPending
	default:
		return models.AdmissionAdmitted
	}
}

func countError(err error) error {
	if appErrors.Is(err, appErrors.ErrCapacityRace) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
}
