package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-core-api/internal/models"
	"github.com/noah-isme/sims-core-api/pkg/config"
	appErrors "github.com/noah-isme/sims-core-api/pkg/errors"
)

type subjectRepo interface {
	List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, int, error)
	FindByID(ctx context.Context, id string) (*models.Subject, error)
	ListActiveByGrade(ctx context.Context, gradeLevel int) ([]models.Subject, error)
	ExistsByCode(ctx context.Context, code string, gradeLevel int, excludeID string) (bool, error)
	Create(ctx context.Context, subject *models.Subject) error
	Update(ctx context.Context, subject *models.Subject) error
}

type subjectCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SubjectPayload is the write shape for catalog entries.
type SubjectPayload struct {
	Code            string            `json:"code" validate:"required,max=32"`
	Name            string            `json:"name" validate:"required,max=255"`
	GradeLevel      int               `json:"grade_level" validate:"required,min=1,max=12"`
	CreditWeight    int               `json:"credit_weight" validate:"min=0"`
	MaxCapacity     int               `json:"max_capacity" validate:"required,min=1"`
	SessionsPerWeek int               `json:"sessions_per_week" validate:"min=0"`
	Active          *bool             `json:"active,omitempty"`
	TimeSlots       []models.TimeSlot `json:"time_slots,omitempty"`
}

// SubjectService manages the subject catalog. Detail reads go through a
// short-lived cache; capacity counts never do.
type SubjectService struct {
	subjects  subjectRepo
	cache     subjectCache
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	ttl       time.Duration
}

// NewSubjectService constructs SubjectService.
func NewSubjectService(subjects subjectRepo, cache subjectCache, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg config.CatalogConfig) *SubjectService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SubjectService{
		subjects:  subjects,
		cache:     cache,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
		ttl:       ttl,
	}
}

func subjectCacheKey(id string) string {
	return "subject:" + id
}

// List returns catalog entries matching the filter.
func (s *SubjectService) List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, int, error) {
	subjects, total, err := s.subjects.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}
	return subjects, total, nil
}

// Get returns a single subject with its time slots, read through the cache.
func (s *SubjectService) Get(ctx context.Context, id string) (*models.Subject, error) {
	if s.cache != nil {
		var cached models.Subject
		if err := s.cache.Get(ctx, subjectCacheKey(id), &cached); err == nil {
			s.metrics.RecordCacheOperation(true)
			return &cached, nil
		}
		s.metrics.RecordCacheOperation(false)
	}

	subject, err := s.subjects.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, subjectCacheKey(id), subject, s.ttl); err != nil {
			s.logger.Warn("subject cache write failed", zap.String("subject_id", id), zap.Error(err))
		}
	}
	return subject, nil
}

// ListActiveByGrade returns the active catalog for one grade level.
func (s *SubjectService) ListActiveByGrade(ctx context.Context, gradeLevel int) ([]models.Subject, error) {
	if gradeLevel < 1 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "grade level must be positive")
	}
	subjects, err := s.subjects.ListActiveByGrade(ctx, gradeLevel)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}
	return subjects, nil
}

// Create adds a catalog entry. Codes are unique per grade level.
func (s *SubjectService) Create(ctx context.Context, payload SubjectPayload) (*models.Subject, error) {
	subject, err := s.buildSubject(ctx, payload, "")
	if err != nil {
		return nil, err
	}
	if err := s.subjects.Create(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create subject")
	}
	s.logger.Info("subject created", zap.String("subject_id", subject.ID), zap.String("code", subject.Code))
	return subject, nil
}

// Update replaces a catalog entry and its time slots, then invalidates
// the cached copy.
func (s *SubjectService) Update(ctx context.Context, id string, payload SubjectPayload) (*models.Subject, error) {
	existing, err := s.subjects.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	subject, err := s.buildSubject(ctx, payload, id)
	if err != nil {
		return nil, err
	}
	subject.ID = existing.ID
	subject.CreatedAt = existing.CreatedAt
	if err := s.subjects.Update(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update subject")
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, subjectCacheKey(id)); err != nil {
			s.logger.Warn("subject cache invalidation failed", zap.String("subject_id", id), zap.Error(err))
		}
	}
	s.logger.Info("subject updated", zap.String("subject_id", id))
	return subject, nil
}

func (s *SubjectService) buildSubject(ctx context.Context, payload SubjectPayload, excludeID string) (*models.Subject, error) {
	if err := s.validator.Struct(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	for _, slot := range payload.TimeSlots {
		if err := slot.Validate(); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
		}
	}

	code := strings.ToUpper(strings.TrimSpace(payload.Code))
	taken, err := s.subjects.ExistsByCode(ctx, code, payload.GradeLevel, excludeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check subject code")
	}
	if taken {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("subject code %s already exists for grade %d", code, payload.GradeLevel))
	}

	active := true
	if payload.Active != nil {
		active = *payload.Active
	}
	return &models.Subject{
		Code:            code,
		Name:            strings.TrimSpace(payload.Name),
		GradeLevel:      payload.GradeLevel,
		CreditWeight:    payload.CreditWeight,
		MaxCapacity:     payload.MaxCapacity,
		SessionsPerWeek: payload.SessionsPerWeek,
		Active:          active,
		TimeSlots:       payload.TimeSlots,
	}, nil
}
