package service

import (
	"fmt"
	"sort"

	"github.com/noah-isme/sims-core-api/internal/models"
)

type daySlot struct {
	order   int
	subject *models.Subject
	slot    models.TimeSlot
	start   int
	end     int
}

// DetectConflicts flags pairwise timetable overlaps within a candidate
// set of subjects. It is a pure function: no persistence access, no side
// effects, deterministic output ordered by day then candidate insertion
// order.
//
// Overlap uses half-open intervals, so a slot ending exactly when another
// starts is not a conflict. Subjects without time slots are excluded from
// the analysis entirely rather than treated as conflicting. Malformed
// slot times are skipped the same way.
func DetectConflicts(candidates []models.Subject) []models.Conflict {
	byDay := make(map[string][]daySlot, len(models.DaysOfWeek))
	for i := range candidates {
		subject := &candidates[i]
		for _, slot := range subject.TimeSlots {
			start, err := models.Minutes(slot.StartTime)
			if err != nil {
				continue
			}
			end, err := models.Minutes(slot.EndTime)
			if err != nil || end <= start {
				continue
			}
			byDay[slot.DayOfWeek] = append(byDay[slot.DayOfWeek], daySlot{
				order:   i,
				subject: subject,
				slot:    slot,
				start:   start,
				end:     end,
			})
		}
	}

	var conflicts []models.Conflict
	for _, day := range models.DaysOfWeek {
		slots := byDay[day]
		if len(slots) < 2 {
			continue
		}
		// Pairs are reported in candidate insertion order within each day,
		// so callers diffing successive results see stable output.
		sort.SliceStable(slots, func(i, j int) bool {
			return slots[i].order < slots[j].order
		})
		for i := 0; i < len(slots); i++ {
			for j := i + 1; j < len(slots); j++ {
				a, b := slots[i], slots[j]
				if a.subject.ID == b.subject.ID {
					continue
				}
				if a.start < b.end && a.end > b.start {
					conflicts = append(conflicts, models.Conflict{
						SubjectAID:   a.subject.ID,
						SubjectACode: a.subject.Code,
						SubjectBID:   b.subject.ID,
						SubjectBCode: b.subject.Code,
						DayOfWeek:    day,
						Overlap:      fmt.Sprintf("%s-%s overlaps %s-%s", a.slot.StartTime, a.slot.EndTime, b.slot.StartTime, b.slot.EndTime),
					})
				}
			}
		}
	}
	return conflicts
}
