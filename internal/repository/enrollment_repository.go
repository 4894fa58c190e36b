package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sims-core-api/internal/models"
	appErrors "github.com/noah-isme/sims-core-api/pkg/errors"
)

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, student_id, subject_id, academic_year, term, status, is_auto_assigned, score, result_note, requested_at, decided_at, created_at, updated_at`

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	base := "FROM enrollments WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SubjectID != "" {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.AcademicYear != "" {
		conditions = append(conditions, fmt.Sprintf("academic_year = $%d", len(args)+1))
		args = append(args, filter.AcademicYear)
	}
	if filter.Term != "" {
		conditions = append(conditions, fmt.Sprintf("term = $%d", len(args)+1))
		args = append(args, filter.Term)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{
		"requested_at": true,
		"decided_at":   true,
		"status":       true,
	}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "requested_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", enrollmentColumns, base, sortBy, order, size, offset)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE id = $1", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByTuple returns the enrollment for the unique
// (student, subject, year, term) combination regardless of status.
func (r *EnrollmentRepository) FindByTuple(ctx context.Context, studentID, subjectID, academicYear string, term models.Term) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE student_id = $1 AND subject_id = $2 AND academic_year = $3 AND term = $4", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, subjectID, academicYear, term); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// CountSeatHolders counts approved and active enrollments for a subject
// tuple. This is the number checked against max capacity.
func (r *EnrollmentRepository) CountSeatHolders(ctx context.Context, subjectID, academicYear string, term models.Term) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE subject_id = $1 AND academic_year = $2 AND term = $3 AND status IN ($4, $5)`
	var count int
	if err := r.db.GetContext(ctx, &count, query, subjectID, academicYear, term, models.EnrollmentStatusApproved, models.EnrollmentStatusActive); err != nil {
		return 0, mapRaceError(fmt.Errorf("count seat holders: %w", err))
	}
	return count, nil
}

// CountByStatus counts enrollments in a single status for a subject tuple.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, subjectID, academicYear string, term models.Term, status models.EnrollmentStatus) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE subject_id = $1 AND academic_year = $2 AND term = $3 AND status = $4`
	var count int
	if err := r.db.GetContext(ctx, &count, query, subjectID, academicYear, term, status); err != nil {
		return 0, fmt.Errorf("count enrollments by status: %w", err)
	}
	return count, nil
}

// Upsert persists an enrollment, updating the existing row when the
// unique (student, subject, year, term) tuple already exists so that a
// repeat registration never duplicates it.
func (r *EnrollmentRepository) Upsert(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.RequestedAt.IsZero() {
		enrollment.RequestedAt = now
	}
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now

	const query = `INSERT INTO enrollments (id, student_id, subject_id, academic_year, term, status, is_auto_assigned, score, result_note, requested_at, decided_at, created_at, updated_at)
        VALUES (:id, :student_id, :subject_id, :academic_year, :term, :status, :is_auto_assigned, :score, :result_note, :requested_at, :decided_at, :created_at, :updated_at)
        ON CONFLICT (student_id, subject_id, academic_year, term) DO UPDATE
        SET status = EXCLUDED.status, is_auto_assigned = EXCLUDED.is_auto_assigned, requested_at = EXCLUDED.requested_at, decided_at = EXCLUDED.decided_at, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return mapRaceError(fmt.Errorf("upsert enrollment: %w", err))
	}
	return nil
}

// UpdateStatus updates status and decision time for an enrollment.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus, decidedAt *time.Time) error {
	const query = `UPDATE enrollments SET status = $2, decided_at = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, decidedAt, time.Now().UTC()); err != nil {
		return mapRaceError(fmt.Errorf("update enrollment status: %w", err))
	}
	return nil
}

// UpdateScore records a score and optional result note.
func (r *EnrollmentRepository) UpdateScore(ctx context.Context, id string, score float64, resultNote *string) error {
	const query = `UPDATE enrollments SET score = $2, result_note = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, score, resultNote, time.Now().UTC()); err != nil {
		return fmt.Errorf("update enrollment score: %w", err)
	}
	return nil
}

// FirstWaitlisted returns the earliest-queued waitlisted enrollment for a
// subject tuple, or sql.ErrNoRows when the waitlist is empty.
func (r *EnrollmentRepository) FirstWaitlisted(ctx context.Context, subjectID, academicYear string, term models.Term) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE subject_id = $1 AND academic_year = $2 AND term = $3 AND status = $4 ORDER BY requested_at ASC, id ASC LIMIT 1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, subjectID, academicYear, term, models.EnrollmentStatusWaitlisted); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListBySubjectTuple returns every enrollment for a subject tuple.
func (r *EnrollmentRepository) ListBySubjectTuple(ctx context.Context, subjectID, academicYear string, term models.Term) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE subject_id = $1 AND academic_year = $2 AND term = $3`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, subjectID, academicYear, term); err != nil {
		return nil, fmt.Errorf("list subject enrollments: %w", err)
	}
	return enrollments, nil
}

// ListSeatHoldersByStudent returns the student's current schedule: the
// approved and active enrollments for a year and term.
func (r *EnrollmentRepository) ListSeatHoldersByStudent(ctx context.Context, studentID, academicYear string, term models.Term) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE student_id = $1 AND academic_year = $2 AND term = $3 AND status IN ($4, $5)`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID, academicYear, term, models.EnrollmentStatusApproved, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list student schedule: %w", err)
	}
	return enrollments, nil
}

// ListScoredBySubject returns cohort scores for ranking a subject. Only
// enrollments with a recorded score are included.
func (r *EnrollmentRepository) ListScoredBySubject(ctx context.Context, subjectID, academicYear string, term models.Term) ([]models.CohortScore, error) {
	const query = `SELECT e.student_id, s.full_name AS student_name, e.subject_id, e.score
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        WHERE e.subject_id = $1 AND e.academic_year = $2 AND e.term = $3 AND e.score IS NOT NULL`
	var scores []models.CohortScore
	if err := r.db.SelectContext(ctx, &scores, query, subjectID, academicYear, term); err != nil {
		return nil, fmt.Errorf("list subject scores: %w", err)
	}
	return scores, nil
}

// ListScoredByStudent returns a student's scored enrollments, optionally
// filtered by year and term. Empty year or term matches all.
func (r *EnrollmentRepository) ListScoredByStudent(ctx context.Context, studentID, academicYear string, term models.Term) ([]models.CohortScore, error) {
	query := `SELECT e.student_id, COALESCE(s.full_name, '') AS student_name, e.subject_id, e.score
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        WHERE e.student_id = $1 AND e.score IS NOT NULL`
	args := []interface{}{studentID}
	if academicYear != "" {
		query += fmt.Sprintf(" AND e.academic_year = $%d", len(args)+1)
		args = append(args, academicYear)
	}
	if term != "" {
		query += fmt.Sprintf(" AND e.term = $%d", len(args)+1)
		args = append(args, term)
	}
	var scores []models.CohortScore
	if err := r.db.SelectContext(ctx, &scores, query, args...); err != nil {
		return nil, fmt.Errorf("list student scores: %w", err)
	}
	return scores, nil
}

// ListScoredByGrade returns scored enrollments for every student in a
// grade-level cohort for one year and term.
func (r *EnrollmentRepository) ListScoredByGrade(ctx context.Context, gradeLevel int, academicYear string, term models.Term) ([]models.CohortScore, error) {
	const query = `SELECT e.student_id, s.full_name AS student_name, e.subject_id, e.score
        FROM enrollments e
        JOIN students st ON st.id = e.student_id AND st.grade_level = $1
        LEFT JOIN students s ON s.id = e.student_id
        WHERE e.academic_year = $2 AND e.term = $3 AND e.score IS NOT NULL`
	var scores []models.CohortScore
	if err := r.db.SelectContext(ctx, &scores, query, gradeLevel, academicYear, term); err != nil {
		return nil, fmt.Errorf("list grade cohort scores: %w", err)
	}
	return scores, nil
}

// mapRaceError translates Postgres serialization and deadlock failures
// into the capacity race sentinel so the admission controller can retry.
func mapRaceError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return appErrors.Wrap(err, appErrors.ErrCapacityRace.Code, appErrors.ErrCapacityRace.Status, appErrors.ErrCapacityRace.Message)
		}
	}
	return err
}
