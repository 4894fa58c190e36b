package models

// Conflict flags a pairwise timetable overlap between two subjects on the
// same day. The detector is advisory: a conflict never blocks admission
// on its own.
type Conflict struct {
	SubjectAID   string `json:"subject_a_id"`
	SubjectACode string `json:"subject_a_code"`
	SubjectBID   string `json:"subject_b_id"`
	SubjectBCode string `json:"subject_b_code"`
	DayOfWeek    string `json:"day_of_week"`
	Overlap      string `json:"overlap"`
}
