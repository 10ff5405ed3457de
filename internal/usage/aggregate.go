package usage

import (
	"fscreentime/internal/models"
)

// TotalMinutes sums usage for dates in [from, to] (inclusive, YYYY-MM-DD compared
// as strings), skipping excluded apps. A nil ledger totals zero.
func TotalMinutes(l *models.Ledger, from, to string, excluded map[string]struct{}) int {
	if l == nil {
		return 0
	}
	total := 0
	for date, day := range l.Days {
		if date < from || date > to {
			continue
		}
		for _, e := range day.Entries {
			if _, skip := excluded[e.App]; skip {
				continue
			}
			if e.Minutes > 0 {
				total += e.Minutes
			}
		}
	}
	return total
}

// Hours converts a minute total to fractional hours.
func Hours(minutes int) float64 {
	return float64(minutes) / 60
}
