package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sims-core-api/internal/models"
)

// SubjectRepository handles persistence for the subject catalog.
type SubjectRepository struct {
	db *sqlx.DB
}

// NewSubjectRepository creates a new repository instance.
func NewSubjectRepository(db *sqlx.DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

const subjectColumns = `id, code, name, grade_level, credit_weight, max_capacity, sessions_per_week, active, created_at, updated_at`

// List returns subjects matching filters with pagination metadata.
func (r *SubjectRepository) List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, int, error) {
	base := "FROM subjects WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.GradeLevel > 0 {
		conditions = append(conditions, fmt.Sprintf("grade_level = $%d", len(args)+1))
		args = append(args, filter.GradeLevel)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(code) LIKE $%d OR LOWER(name) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"code":        true,
		"name":        true,
		"grade_level": true,
		"created_at":  true,
		"updated_at":  true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "grade_level"
	}

	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
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

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s, code ASC LIMIT %d OFFSET %d", subjectColumns, base, sortBy, order, size, offset)
	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list subjects: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count subjects: %w", err)
	}

	return subjects, total, nil
}

// FindByID returns a subject by id including its weekly time slots.
func (r *SubjectRepository) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	query := fmt.Sprintf("SELECT %s FROM subjects WHERE id = $1", subjectColumns)
	var subject models.Subject
	if err := r.db.GetContext(ctx, &subject, query, id); err != nil {
		return nil, err
	}
	slots, err := r.listSlots(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	subject.TimeSlots = slots[id]
	return &subject, nil
}

// ListByIDs returns subjects keyed by id. Missing ids are simply absent,
// never an error; weighted calculations degrade by excluding them.
func (r *SubjectRepository) ListByIDs(ctx context.Context, ids []string) (map[string]models.Subject, error) {
	result := make(map[string]models.Subject, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(fmt.Sprintf("SELECT %s FROM subjects WHERE id IN (?)", subjectColumns), ids)
	if err != nil {
		return nil, fmt.Errorf("build subject id query: %w", err)
	}
	query = r.db.Rebind(query)
	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, query, args...); err != nil {
		return nil, fmt.Errorf("list subjects by ids: %w", err)
	}
	for _, subject := range subjects {
		result[subject.ID] = subject
	}
	return result, nil
}

// ListActiveByGrade returns active subjects for one grade level with time
// slots attached, ordered by code.
func (r *SubjectRepository) ListActiveByGrade(ctx context.Context, gradeLevel int) ([]models.Subject, error) {
	query := fmt.Sprintf("SELECT %s FROM subjects WHERE grade_level = $1 AND active = TRUE ORDER BY code ASC", subjectColumns)
	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, query, gradeLevel); err != nil {
		return nil, fmt.Errorf("list grade subjects: %w", err)
	}
	if err := r.attachSlots(ctx, subjects); err != nil {
		return nil, err
	}
	return subjects, nil
}

// ExistsByCode checks uniqueness of a subject code within a grade level.
func (r *SubjectRepository) ExistsByCode(ctx context.Context, code string, gradeLevel int, excludeID string) (bool, error) {
	query := "SELECT 1 FROM subjects WHERE LOWER(code) = LOWER($1) AND grade_level = $2"
	args := []interface{}{code, gradeLevel}
	if excludeID != "" {
		query += " AND id <> $3"
		args = append(args, excludeID)
	}

	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check subject code: %w", err)
	}
	return true, nil
}

// Create persists a new subject and its time slots.
func (r *SubjectRepository) Create(ctx context.Context, subject *models.Subject) error {
	if subject.ID == "" {
		subject.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}
	subject.UpdatedAt = now

	const query = `INSERT INTO subjects (id, code, name, grade_level, credit_weight, max_capacity, sessions_per_week, active, created_at, updated_at)
        VALUES (:id, :code, :name, :grade_level, :credit_weight, :max_capacity, :sessions_per_week, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, subject); err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return r.replaceSlots(ctx, subject.ID, subject.TimeSlots)
}

// Update modifies a subject and replaces its time slots.
func (r *SubjectRepository) Update(ctx context.Context, subject *models.Subject) error {
	subject.UpdatedAt = time.Now().UTC()
	const query = `UPDATE subjects SET code = :code, name = :name, grade_level = :grade_level, credit_weight = :credit_weight, max_capacity = :max_capacity, sessions_per_week = :sessions_per_week, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, subject); err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	return r.replaceSlots(ctx, subject.ID, subject.TimeSlots)
}

func (r *SubjectRepository) replaceSlots(ctx context.Context, subjectID string, slots []models.TimeSlot) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM subject_slots WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("clear subject slots: %w", err)
	}
	for i := range slots {
		slots[i].SubjectID = subjectID
		const query = `INSERT INTO subject_slots (subject_id, day_of_week, start_time, end_time) VALUES (:subject_id, :day_of_week, :start_time, :end_time)`
		if _, err := r.db.NamedExecContext(ctx, query, slots[i]); err != nil {
			return fmt.Errorf("insert subject slot: %w", err)
		}
	}
	return nil
}

func (r *SubjectRepository) attachSlots(ctx context.Context, subjects []models.Subject) error {
	if len(subjects) == 0 {
		return nil
	}
	ids := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		ids = append(ids, subject.ID)
	}
	slots, err := r.listSlots(ctx, ids)
	if err != nil {
		return err
	}
	for i := range subjects {
		subjects[i].TimeSlots = slots[subjects[i].ID]
	}
	return nil
}

func (r *SubjectRepository) listSlots(ctx context.Context, subjectIDs []string) (map[string][]models.TimeSlot, error) {
	query, args, err := sqlx.In(`SELECT subject_id, day_of_week, start_time, end_time FROM subject_slots WHERE subject_id IN (?) ORDER BY subject_id, day_of_week, start_time`, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("build slot query: %w", err)
	}
	query = r.db.Rebind(query)
	var slots []models.TimeSlot
	if err := r.db.SelectContext(ctx, &slots, query, args...); err != nil {
		return nil, fmt.Errorf("list subject slots: %w", err)
	}
	grouped := make(map[string][]models.TimeSlot, len(subjectIDs))
	for _, slot := range slots {
		grouped[slot.SubjectID] = append(grouped[slot.SubjectID], slot)
	}
	return grouped, nil
}
