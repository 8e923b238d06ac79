package expressions

import "time"

// DateLayout is the format of every date variable.
const DateLayout = "2006-01-02"

// DateVariables computes the reporting-window variables relative to now (UTC).
// Weeks start on Monday; "last week" is the full Monday-Sunday week before
// the one containing now.
func DateVariables(now time.Time) map[string]any {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	firstOfMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastMonthEnd := firstOfMonth.AddDate(0, 0, -1)
	lastMonthStart := time.Date(lastMonthEnd.Year(), lastMonthEnd.Month(), 1, 0, 0, 0, 0, time.UTC)

	offset := (int(today.Weekday()) + 6) % 7
	thisWeekStart := today.AddDate(0, 0, -offset)
	lastWeekStart := thisWeekStart.AddDate(0, 0, -7)
	lastWeekEnd := thisWeekStart.AddDate(0, 0, -1)

	return map[string]any{
		"today":           today.Format(DateLayout),
		"yesterday":       today.AddDate(0, 0, -1).Format(DateLayout),
		"lastMonthStart":  lastMonthStart.Format(DateLayout),
		"lastMonthEnd":    lastMonthEnd.Format(DateLayout),
		"lastWeekStart":   lastWeekStart.Format(DateLayout),
		"lastWeekEnd":     lastWeekEnd.Format(DateLayout),
		"last30DaysStart": today.AddDate(0, 0, -30).Format(DateLayout),
	}
}

// MergeVariables overlays fresh onto persisted and returns a new map.
func MergeVariables(persisted, fresh map[string]any) map[string]any {
	out := make(map[string]any, len(persisted)+len(fresh))
	for k, v := range persisted {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = v
	}
	return out
}
