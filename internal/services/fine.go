package services

import (
	"fmt"
	"time"
)

// calculateFine computes the overdue fine for a loan, in cents.
//
// Rules:
//   - Returned loans accrue nothing, regardless of how late the return was.
//   - Open loans on or before their due date accrue nothing.
//   - Open loans past their due date accrue ratePerDayCents for every whole
//     calendar day overdue.
//
// Calculation uses calendar-day truncation (midnight UTC) so a loan due
// earlier the same day carries no fine yet. Pure: no clock reads, no state.
func calculateFine(dueDate time.Time, returnedAt *time.Time, today time.Time, ratePerDayCents int64) int64 {
	if returnedAt != nil {
		return 0
	}
	if !today.After(dueDate) {
		return 0
	}

	dueMidnight := dueDate.UTC().Truncate(24 * time.Hour)
	todayMidnight := today.UTC().Truncate(24 * time.Hour)

	daysLate := int64(todayMidnight.Sub(dueMidnight).Hours() / 24)
	if daysLate < 0 {
		daysLate = 0
	}
	return daysLate * ratePerDayCents
}

// formatCents renders a cent amount as a decimal string, e.g. 250 -> "2.50".
func formatCents(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
