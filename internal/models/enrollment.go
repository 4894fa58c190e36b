package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending    EnrollmentStatus = "PENDING"
	EnrollmentStatusApproved   EnrollmentStatus = "APPROVED"
	EnrollmentStatusActive     EnrollmentStatus = "ACTIVE"
	EnrollmentStatusWaitlisted EnrollmentStatus = "WAITLISTED"
	EnrollmentStatusCompleted  EnrollmentStatus = "COMPLETED"
	EnrollmentStatusDropped    EnrollmentStatus = "DROPPED"
	EnrollmentStatusRejected   EnrollmentStatus = "REJECTED"
)

// SeatHolding reports whether the status consumes a capacity seat.
func (s EnrollmentStatus) SeatHolding() bool {
	return s == EnrollmentStatusApproved || s == EnrollmentStatusActive
}

// Terminal reports whether the status ends the enrollment lifecycle. A
// dropped or rejected row may be reactivated by a fresh registration
// request instead of being duplicated.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentStatusCompleted, EnrollmentStatusDropped, EnrollmentStatusRejected:
		return true
	}
	return false
}

var transitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentStatusPending:    {EnrollmentStatusApproved, EnrollmentStatusWaitlisted, EnrollmentStatusRejected, EnrollmentStatusDropped},
	EnrollmentStatusWaitlisted: {EnrollmentStatusApproved, EnrollmentStatusDropped},
	EnrollmentStatusApproved:   {EnrollmentStatusActive, EnrollmentStatusDropped, EnrollmentStatusCompleted},
	EnrollmentStatusActive:     {EnrollmentStatusDropped, EnrollmentStatusCompleted},
}

// CanTransition reports whether moving from one status to another is a
// valid lifecycle step.
func CanTransition(from, to EnrollmentStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Enrollment captures a student's registration to a subject for a term.
// Rows are never hard-deleted; withdrawal and rejection are recorded as
// status transitions so transcript history survives.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	StudentID      string           `db:"student_id" json:"student_id"`
	SubjectID      string           `db:"subject_id" json:"subject_id"`
	AcademicYear   string           `db:"academic_year" json:"academic_year"`
	Term           Term             `db:"term" json:"term"`
	Status         EnrollmentStatus `db:"status" json:"status"`
	IsAutoAssigned bool             `db:"is_auto_assigned" json:"is_auto_assigned"`
	Score          *float64         `db:"score" json:"score,omitempty"`
	ResultNote     *string          `db:"result_note" json:"result_note,omitempty"`
	RequestedAt    time.Time        `db:"requested_at" json:"requested_at"`
	DecidedAt      *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID    string
	SubjectID    string
	AcademicYear string
	Term         Term
	Status       EnrollmentStatus
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

// AdmissionOutcome labels the result of a single admission decision.
type AdmissionOutcome string

const (
	AdmissionAdmitted   AdmissionOutcome = "ADMITTED"
	AdmissionPending    AdmissionOutcome = "PENDING"
	AdmissionWaitlisted AdmissionOutcome = "WAITLISTED"
	AdmissionSkipped    AdmissionOutcome = "SKIPPED"
)

// AdmissionResult pairs an enrollment with the outcome of its admission.
type AdmissionResult struct {
	Outcome    AdmissionOutcome `json:"outcome"`
	Enrollment *Enrollment      `json:"enrollment,omitempty"`
}

// StudentAdmissionResult is one row of a bulk auto-assignment report.
type StudentAdmissionResult struct {
	StudentID string           `json:"student_id"`
	Outcome   AdmissionOutcome `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
}

// SubjectAdmissionResult is one row of a per-student auto-assignment or
// batch schedule registration report.
type SubjectAdmissionResult struct {
	SubjectID string           `json:"subject_id"`
	Outcome   AdmissionOutcome `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
}
