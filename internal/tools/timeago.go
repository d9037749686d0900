package tools

import (
	"fmt"
	"time"
)

// formatTimeAgo renders a timestamp as a coarse human-readable age,
// e.g. "2 hours ago". Future timestamps collapse to "just now".
func formatTimeAgo(t, now time.Time) string {
	seconds := now.Sub(t).Seconds()
	if seconds < 0 {
		return "just now"
	}
	if seconds < 60 {
		return "less than 1 minute ago"
	}

	minutes := int(seconds / 60)
	if minutes < 60 {
		return plural(minutes, "minute")
	}
	hours := int(seconds / 3600)
	if hours < 24 {
		return plural(hours, "hour")
	}
	days := int(seconds / 86400)
	if days < 7 {
		return plural(days, "day")
	}
	weeks := days / 7
	if weeks < 4 {
		return plural(weeks, "week")
	}
	// Months approximate a 30.44-day average; years 365.25 days.
	months := int(float64(days) / 30.44)
	if months < 12 {
		if months < 1 {
			months = 1
		}
		return plural(months, "month")
	}
	years := int(float64(days) / 365.25)
	if years < 1 {
		years = 1
	}
	return plural(years, "year")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// formatCurrentTime renders the current_time field, e.g.
// "Tuesday, June 3rd 2025 at 02:15 PM CEST".
func formatCurrentTime(t time.Time) string {
	zone, _ := t.Zone()
	return fmt.Sprintf("%s, %s %s %d at %s %s",
		t.Weekday(), t.Month(), ordinal(t.Day()), t.Year(), t.Format("03:04 PM"), zone)
}

func ordinal(day int) string {
	suffix := "th"
	if day < 11 || day > 13 {
		switch day % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", day, suffix)
}
