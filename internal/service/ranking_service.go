package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sims-core-api/internal/models"
	appErrors "github.com/noah-isme/sims-core-api/pkg/errors"
)

type scoreReader interface {
	ListScoredBySubject(ctx context.Context, subjectID, academicYear string, term models.Term) ([]models.CohortScore, error)
	ListScoredByStudent(ctx context.Context, studentID, academicYear string, term models.Term) ([]models.CohortScore, error)
	ListScoredByGrade(ctx context.Context, gradeLevel int, academicYear string, term models.Term) ([]models.CohortScore, error)
}

type weightReader interface {
	ListByIDs(ctx context.Context, ids []string) (map[string]models.Subject, error)
}

// RankingService computes subject rankings, credit-weighted averages,
// class ranks and grade point averages. All computations read scored
// enrollments fresh from the store; nothing here is cached.
type RankingService struct {
	scores  scoreReader
	weights weightReader
	scale   models.GradeScale
	logger  *zap.Logger
	metrics *MetricsService
}

// NewRankingService constructs RankingService.
func NewRankingService(scores scoreReader, weights weightReader, scale models.GradeScale, metrics *MetricsService, logger *zap.Logger) *RankingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RankingService{
		scores:  scores,
		weights: weights,
		scale:   scale,
		logger:  logger,
		metrics: metrics,
	}
}

// rankByScore orders rows descending by score and assigns competition
// ranks: equal scores share a rank, and ties consume rank numbers, so
// scores 95, 90, 90, 80 rank 1, 2, 2, 4.
func rankByScore(rows []models.RankedStudent) []models.RankedStudent {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].StudentName < rows[j].StudentName
	})
	for i := range rows {
		if i > 0 && rows[i].Score == rows[i-1].Score {
			rows[i].Rank = rows[i-1].Rank
			continue
		}
		rows[i].Rank = i + 1
	}
	return rows
}

// ComputeSubjectRanking ranks the scored enrollments of one subject
// tuple. Ungraded enrollments are excluded, never ranked last.
func (s *RankingService) ComputeSubjectRanking(ctx context.Context, subjectID, academicYear, rawTerm string) ([]models.RankedStudent, error) {
	term, err := models.ParseTerm(rawTerm)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	started := time.Now()
	cohort, err := s.scores.ListScoredBySubject(ctx, subjectID, academicYear, term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cohort scores")
	}

	rows := make([]models.RankedStudent, 0, len(cohort))
	for _, row := range cohort {
		if row.Score == nil {
			continue
		}
		rows = append(rows, models.RankedStudent{
			StudentID:   row.StudentID,
			StudentName: row.StudentName,
			Score:       *row.Score,
		})
	}
	ranked := rankByScore(rows)
	s.metrics.ObserveRankingDuration("subject", time.Since(started))
	return ranked, nil
}

// ComputeStudentAverage returns a student's credit-weighted score average
// for a year and term. The result is nil, not zero, when the student has
// no scored enrollments or when every scored subject carries zero credit
// weight: a missing average and an earned average of zero are different
// facts.
func (s *RankingService) ComputeStudentAverage(ctx context.Context, studentID, academicYear, rawTerm string) (*float64, error) {
	term := models.Term("")
	if rawTerm != "" {
		parsed, err := models.ParseTerm(rawTerm)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
		}
		term = parsed
	}
	cohort, err := s.scores.ListScoredByStudent(ctx, studentID, academicYear, term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student scores")
	}
	avg, _, err := s.weightedAverage(ctx, cohort)
	return avg, err
}

// weightedAverage folds scored rows into a credit-weighted mean. Subjects
// missing from the catalog, or with zero or negative credit weight, drop
// out of the computation instead of failing it.
func (s *RankingService) weightedAverage(ctx context.Context, cohort []models.CohortScore) (*float64, int, error) {
	ids := make([]string, 0, len(cohort))
	seen := make(map[string]bool, len(cohort))
	for _, row := range cohort {
		if row.Score == nil || seen[row.SubjectID] {
			continue
		}
		seen[row.SubjectID] = true
		ids = append(ids, row.SubjectID)
	}
	if len(ids) == 0 {
		return nil, 0, nil
	}
	subjects, err := s.weights.ListByIDs(ctx, ids)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject weights")
	}

	var weightedSum float64
	var totalWeight int
	for _, row := range cohort {
		if row.Score == nil {
			continue
		}
		subject, ok := subjects[row.SubjectID]
		if !ok || subject.CreditWeight <= 0 {
			continue
		}
		weightedSum += *row.Score * float64(subject.CreditWeight)
		totalWeight += subject.CreditWeight
	}
	if totalWeight == 0 {
		return nil, 0, nil
	}
	avg := weightedSum / float64(totalWeight)
	return &avg, totalWeight, nil
}

// ComputeClassRank returns a student's competition rank within their
// grade-level cohort, ranked by credit-weighted average. A nil rank means
// the student has no average to rank on.
func (s *RankingService) ComputeClassRank(ctx context.Context, studentID string, gradeLevel int, academicYear, rawTerm string) (*int, error) {
	ranked, err := s.ComputeClassRanking(ctx, gradeLevel, academicYear, rawTerm)
	if err != nil {
		return nil, err
	}
	for _, row := range ranked {
		if row.StudentID == studentID {
			rank := row.Rank
			return &rank, nil
		}
	}
	return nil, nil
}

// ComputeClassRanking ranks a whole grade-level cohort by credit-weighted
// average score. Students without any scored, weighted enrollment are
// excluded from the ranking.
func (s *RankingService) ComputeClassRanking(ctx context.Context, gradeLevel int, academicYear, rawTerm string) ([]models.RankedStudent, error) {
	term, err := models.ParseTerm(rawTerm)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	started := time.Now()
	cohort, err := s.scores.ListScoredByGrade(ctx, gradeLevel, academicYear, term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cohort scores")
	}

	perStudent := make(map[string][]models.CohortScore)
	names := make(map[string]string)
	order := make([]string, 0)
	for _, row := range cohort {
		if _, ok := perStudent[row.StudentID]; !ok {
			order = append(order, row.StudentID)
		}
		perStudent[row.StudentID] = append(perStudent[row.StudentID], row)
		names[row.StudentID] = row.StudentName
	}

	rows := make([]models.RankedStudent, 0, len(order))
	for _, studentID := range order {
		avg, _, err := s.weightedAverage(ctx, perStudent[studentID])
		if err != nil {
			return nil, err
		}
		if avg == nil {
			continue
		}
		rows = append(rows, models.RankedStudent{
			StudentID:   studentID,
			StudentName: names[studentID],
			Score:       *avg,
		})
	}
	ranked := rankByScore(rows)
	s.metrics.ObserveRankingDuration("class", time.Since(started))
	return ranked, nil
}

// ComputeGPA converts a student's scored enrollments into a 4.0-scale,
// credit-weighted grade point average using the configured grade scale.
func (s *RankingService) ComputeGPA(ctx context.Context, studentID, academicYear, rawTerm string) (*models.GPAResult, error) {
	term := models.Term("")
	if rawTerm != "" {
		parsed, err := models.ParseTerm(rawTerm)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
		}
		term = parsed
	}
	cohort, err := s.scores.ListScoredByStudent(ctx, studentID, academicYear, term)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student scores")
	}

	ids := make([]string, 0, len(cohort))
	seen := make(map[string]bool, len(cohort))
	for _, row := range cohort {
		if row.Score == nil || seen[row.SubjectID] {
			continue
		}
		seen[row.SubjectID] = true
		ids = append(ids, row.SubjectID)
	}

	result := &models.GPAResult{StudentID: studentID}
	if len(ids) == 0 {
		return result, nil
	}
	subjects, err := s.weights.ListByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject weights")
	}

	var pointSum float64
	var totalCredits int
	for _, row := range cohort {
		if row.Score == nil {
			continue
		}
		subject, ok := subjects[row.SubjectID]
		if !ok || subject.CreditWeight <= 0 {
			continue
		}
		pointSum += s.scale.PointsFor(*row.Score) * float64(subject.CreditWeight)
		totalCredits += subject.CreditWeight
	}
	if totalCredits == 0 {
		return result, nil
	}
	result.GPA = pointSum / float64(totalCredits)
	result.TotalCredits = totalCredits
	return result, nil
}
