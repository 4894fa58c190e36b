package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sims-core-api/internal/service"
	appErrors "github.com/noah-isme/sims-core-api/pkg/errors"
	"github.com/noah-isme/sims-core-api/pkg/response"
)

// RankingHandler exposes ranking and aggregate endpoints.
type RankingHandler struct {
	rankings *service.RankingService
}

// NewRankingHandler constructs RankingHandler.
func NewRankingHandler(rankings *service.RankingService) *RankingHandler {
	return &RankingHandler{rankings: rankings}
}

// SubjectRanking godoc
// @Summary Rank students within a subject by score
// @Tags Rankings
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Param year query string true "Academic year"
// @Param term query string true "Term"
// @Success 200 {object} response.Envelope
// @Router /rankings/subjects/{subjectId} [get]
func (h *RankingHandler) SubjectRanking(c *gin.Context) {
	ranked, err := h.rankings.ComputeSubjectRanking(c.Request.Context(), c.Param("subjectId"), c.Query("year"), c.Query("term"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ranked, nil)
}

// ClassRanking godoc
// @Summary Rank a grade-level cohort by weighted average
// @Tags Rankings
// @Produce json
// @Param gradeLevel path int true "Grade level"
// @Param year query string true "Academic year"
// @Param term query string true "Term"
// @Success 200 {object} response.Envelope
// @Router /rankings/grades/{gradeLevel} [get]
func (h *RankingHandler) ClassRanking(c *gin.Context) {
	gradeLevel, err := strconv.Atoi(c.Param("gradeLevel"))
	if err != nil || gradeLevel < 1 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid grade level"))
		return
	}
	ranked, err := h.rankings.ComputeClassRanking(c.Request.Context(), gradeLevel, c.Query("year"), c.Query("term"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ranked, nil)
}

// StudentAverage godoc
// @Summary Credit-weighted average score for a student
// @Tags Rankings
// @Produce json
// @Param studentId path string true "Student ID"
// @Param year query string false "Academic year"
// @Param term query string false "Term"
// @Success 200 {object} response.Envelope
// @Router /rankings/students/{studentId}/average [get]
func (h *RankingHandler) StudentAverage(c *gin.Context) {
	avg, err := h.rankings.ComputeStudentAverage(c.Request.Context(), c.Param("studentId"), c.Query("year"), c.Query("term"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"student_id": c.Param("studentId"), "average": avg}, nil)
}

// ClassRank godoc
// @Summary A student's rank within their grade-level cohort
// @Tags Rankings
// @Produce json
// @Param studentId path string true "Student ID"
// @Param gradeLevel query int true "Grade level"
// @Param year query string true "Academic year"
// @Param term query string true "Term"
// @Success 200 {object} response.Envelope
// @Router /rankings/students/{studentId}/rank [get]
func (h *RankingHandler) ClassRank(c *gin.Context) {
	gradeLevel, err := strconv.Atoi(c.Query("gradeLevel"))
	if err != nil || gradeLevel < 1 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid grade level"))
		return
	}
	rank, err := h.rankings.ComputeClassRank(c.Request.Context(), c.Param("studentId"), gradeLevel, c.Query("year"), c.Query("term"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"student_id": c.Param("studentId"), "rank": rank}, nil)
}

// GPA godoc
// @Summary 4.0-scale grade point average for a student
// @Tags Rankings
// @Produce json
// @Param studentId path string true "Student ID"
// @Param year query string false "Academic year"
// @Param term query string false "Term"
// @Success 200 {object} response.Envelope
// @Router /rankings/students/{studentId}/gpa [get]
func (h *RankingHandler) GPA(c *gin.Context) {
	result, err := h.rankings.ComputeGPA(c.Request.Context(), c.Param("studentId"), c.Query("year"), c.Query("term"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
