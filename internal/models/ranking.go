package models

// RankedStudent is one row of a subject or class ranking. Equal scores
// share a rank and consume rank numbers (standard competition ranking).
type RankedStudent struct {
	StudentID   string  `db:"student_id" json:"student_id"`
	StudentName string  `db:"student_name" json:"student_name"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
}

// CohortScore is one scored enrollment row used as ranking input. Score
// stays nil for ungraded enrollments, which are excluded from rankings
// rather than ranked last.
type CohortScore struct {
	StudentID   string   `db:"student_id" json:"student_id"`
	StudentName string   `db:"student_name" json:"student_name"`
	SubjectID   string   `db:"subject_id" json:"subject_id"`
	Score       *float64 `db:"score" json:"score,omitempty"`
}

// GPAResult carries a 4.0-scale grade point average together with the
// credit weight it was computed over. TotalCredits zero means no scored
// enrollments contributed.
type GPAResult struct {
	StudentID    string  `json:"student_id"`
	GPA          float64 `json:"gpa"`
	TotalCredits int     `json:"total_credits"`
}

// GradeScale maps numeric scores to 4.0-scale grade points through
// descending breakpoints. The table is deployment configuration, not
// hardcoded policy.
type GradeScale []GradeBand

// GradeBand is a single breakpoint: scores at or above MinScore earn
// Points unless a higher band matched first.
type GradeBand struct {
	MinScore float64 `json:"min_score"`
	Points   float64 `json:"points"`
}

// PointsFor resolves a score against the scale. Scores below every band
// earn zero points.
func (s GradeScale) PointsFor(score float64) float64 {
	for _, band := range s {
		if score >= band.MinScore {
			return band.Points
		}
	}
	return 0
}
