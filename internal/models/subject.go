package models

import (
	"fmt"
	"time"
)

// Days of the week recognised by the timetable, Monday through Saturday.
var DaysOfWeek = []string{"mon", "tue", "wed", "thu", "fri", "sat"}

// Subject represents a capacity-limited catalog section for one grade level.
type Subject struct {
	ID              string     `db:"id" json:"id"`
	Code            string     `db:"code" json:"code"`
	Name            string     `db:"name" json:"name"`
	GradeLevel      int        `db:"grade_level" json:"grade_level"`
	CreditWeight    int        `db:"credit_weight" json:"credit_weight"`
	MaxCapacity     int        `db:"max_capacity" json:"max_capacity"`
	SessionsPerWeek int        `db:"sessions_per_week" json:"sessions_per_week"`
	Active          bool       `db:"active" json:"active"`
	TimeSlots       []TimeSlot `json:"time_slots,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// TimeSlot is one weekly meeting window. Times are "HH:MM" wall-clock
// strings; intervals are half-open, so a slot ending at 10:00 does not
// overlap one starting at 10:00.
type TimeSlot struct {
	SubjectID string `db:"subject_id" json:"-"`
	DayOfWeek string `db:"day_of_week" json:"day_of_week"`
	StartTime string `db:"start_time" json:"start_time"`
	EndTime   string `db:"end_time" json:"end_time"`
}

// Minutes parses an "HH:MM" clock string into minutes since midnight.
func Minutes(clock string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("malformed time %q", clock)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time out of range %q", clock)
	}
	return h*60 + m, nil
}

// Validate checks that the slot has a known day and a positive-length
// half-open window.
func (s TimeSlot) Validate() error {
	dayKnown := false
	for _, d := range DaysOfWeek {
		if s.DayOfWeek == d {
			dayKnown = true
			break
		}
	}
	if !dayKnown {
		return fmt.Errorf("unknown day of week %q", s.DayOfWeek)
	}
	start, err := Minutes(s.StartTime)
	if err != nil {
		return err
	}
	end, err := Minutes(s.EndTime)
	if err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("end time %s must be after start time %s", s.EndTime, s.StartTime)
	}
	return nil
}

// SubjectFilter captures supported filters for listing subjects.
type SubjectFilter struct {
	GradeLevel int
	Active     *bool
	Search     string
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
