package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Term identifies an academic half-year within an academic year.
type Term string

const (
	TermFirst  Term = "FIRST"
	TermSecond Term = "SECOND"
)

// ParseTerm normalises user input into a Term.
func ParseTerm(raw string) (Term, error) {
	switch Term(strings.ToUpper(strings.TrimSpace(raw))) {
	case TermFirst:
		return TermFirst, nil
	case TermSecond:
		return TermSecond, nil
	default:
		return "", fmt.Errorf("unknown term %q", raw)
	}
}

// ValidateAcademicYear checks the YYYY-YYYY format where the end year is
// exactly one greater than the start year.
func ValidateAcademicYear(year string) error {
	if len(year) != 9 || year[4] != '-' {
		return fmt.Errorf("academic year must be YYYY-YYYY, got %q", year)
	}
	start, err := strconv.Atoi(year[:4])
	if err != nil {
		return fmt.Errorf("academic year must be YYYY-YYYY, got %q", year)
	}
	end, err := strconv.Atoi(year[5:])
	if err != nil {
		return fmt.Errorf("academic year must be YYYY-YYYY, got %q", year)
	}
	if end != start+1 {
		return fmt.Errorf("academic year end must follow start, got %q", year)
	}
	return nil
}
