package remote

import (
	"fmt"
	"time"
)

// Period types understood by the window generator.
const (
	PeriodDaily     = "Daily"
	PeriodWeekly    = "Weekly"
	PeriodMonthly   = "Monthly"
	PeriodQuarterly = "Quarterly"
	PeriodYearly    = "Yearly"
)

// PeriodWindow returns limit period identifiers of the given type, newest
// first, skipping the offset most recent periods before now. The current
// (open) period is the first one.
func PeriodWindow(periodType string, now time.Time, offset, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	periods := make([]string, 0, limit)
	for i := offset; i < offset+limit; i++ {
		id, err := periodBefore(periodType, now, i)
		if err != nil {
			return nil, err
		}
		periods = append(periods, id)
	}
	return periods, nil
}

// periodBefore returns the id of the period n steps before the one containing t.
func periodBefore(periodType string, t time.Time, n int) (string, error) {
	t = t.UTC()
	switch periodType {
	case PeriodDaily:
		d := t.AddDate(0, 0, -n)
		return d.Format("20060102"), nil
	case PeriodWeekly:
		d := t.AddDate(0, 0, -7*n)
		year, week := d.ISOWeek()
		return fmt.Sprintf("%dW%d", year, week), nil
	case PeriodMonthly:
		d := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -n, 0)
		return d.Format("200601"), nil
	case PeriodQuarterly:
		first := time.Date(t.Year(), time.Month(3*((int(t.Month())-1)/3)+1), 1, 0, 0, 0, 0, time.UTC)
		d := first.AddDate(0, -3*n, 0)
		return fmt.Sprintf("%dQ%d", d.Year(), (int(d.Month())-1)/3+1), nil
	case PeriodYearly:
		return fmt.Sprintf("%d", t.Year()-n), nil
	default:
		return "", fmt.Errorf("unsupported period type %q", periodType)
	}
}
