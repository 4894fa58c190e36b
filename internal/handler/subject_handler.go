package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sims-core-api/internal/models"
	"github.com/noah-isme/sims-core-api/internal/service"
	appErrors "github.com/noah-isme/sims-core-api/pkg/errors"
	"github.com/noah-isme/sims-core-api/pkg/response"
)

// SubjectHandler exposes subject catalog endpoints.
type SubjectHandler struct {
	subjects  *service.SubjectService
	conflicts func([]models.Subject) []models.Conflict
}

// NewSubjectHandler constructs SubjectHandler.
func NewSubjectHandler(subjects *service.SubjectService) *SubjectHandler {
	return &SubjectHandler{subjects: subjects, conflicts: service.DetectConflicts}
}

// List godoc
// @Summary List catalog subjects
// @Tags Subjects
// @Produce json
// @Param gradeLevel query int false "Filter by grade level"
// @Param active query bool false "Filter by active flag"
// @Param search query string false "Search by name"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /subjects [get]
func (h *SubjectHandler) List(c *gin.Context) {
	var filter models.SubjectFilter
	if gradeLevel, err := strconv.Atoi(c.Query("gradeLevel")); err == nil {
		filter.GradeLevel = gradeLevel
	}
	if raw := c.Query("active"); raw != "" {
		active := strings.EqualFold(raw, "true")
		filter.Active = &active
	}
	filter.Search = c.Query("search")
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	subjects, total, err := h.subjects.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	response.JSON(c, http.StatusOK, subjects, pagination)
}

// Get godoc
// @Summary Get a subject with its weekly time slots
// @Tags Subjects
// @Produce json
// @Param id path string true "Subject ID"
// @Success 200 {object} response.Envelope
// @Router /subjects/{id} [get]
func (h *SubjectHandler) Get(c *gin.Context) {
	subject, err := h.subjects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, subject, nil)
}

// Create godoc
// @Summary Create a catalog subject
// @Tags Subjects
// @Accept json
// @Produce json
// @Param payload body service.SubjectPayload true "Subject payload"
// @Success 201 {object} response.Envelope
// @Router /subjects [post]
func (h *SubjectHandler) Create(c *gin.Context) {
	var payload service.SubjectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	subject, err := h.subjects.Create(c.Request.Context(), payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, subject)
}

// Update godoc
// @Summary Update a catalog subject
// @Tags Subjects
// @Accept json
// @Produce json
// @Param id path string true "Subject ID"
// @Param payload body service.SubjectPayload true "Subject payload"
// @Success 200 {object} response.Envelope
// @Router /subjects/{id} [put]
func (h *SubjectHandler) Update(c *gin.Context) {
	var payload service.SubjectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	subject, err := h.subjects.Update(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, subject, nil)
}

// DetectConflicts godoc
// @Summary Detect timetable conflicts among a set of subjects
// @Tags Subjects
// @Produce json
// @Param ids query string true "Comma-separated subject IDs"
// @Success 200 {object} response.Envelope
// @Router /subjects/conflicts [get]
func (h *SubjectHandler) DetectConflicts(c *gin.Context) {
	raw := strings.Split(c.Query("ids"), ",")
	candidates := make([]models.Subject, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		subject, err := h.subjects.Get(c.Request.Context(), id)
		if err != nil {
			response.Error(c, err)
			return
		}
		candidates = append(candidates, *subject)
	}
	if len(candidates) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "at least one subject id is required"))
		return
	}
	conflicts := h.conflicts(candidates)
	response.JSON(c, http.StatusOK, gin.H{"conflicts": conflicts, "conflict_count": len(conflicts)}, nil)
}
