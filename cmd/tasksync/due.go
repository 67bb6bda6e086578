package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/Mschirtzinger/tasksync/internal/schema"
	"github.com/Mschirtzinger/tasksync/internal/syncerr"
)

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts YYYY-MM-DD or a phrase such as "tomorrow" or "next friday",
// resolved against now.
func parseDue(s string, now time.Time) (schema.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if d, err := schema.ParseDate(s); err == nil {
		return d, nil
	}
	r, err := dueParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if r == nil {
		return "", &syncerr.ValidationError{Field: "due", Reason: fmt.Sprintf("%q is not a date", s)}
	}
	return schema.DateOf(r.Time), nil
}

// parseRecurrence reads "<unit>" or "<unit>/<interval>", e.g. "weekly" or
// "monthly/2".
func parseRecurrence(s string, limit int) (*schema.Recurrence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	unit, every, found := strings.Cut(s, "/")
	rec := &schema.Recurrence{Unit: schema.RecurrenceUnit(unit), Interval: 1, OccurrenceLimit: limit}
	if found {
		if _, err := fmt.Sscanf(every, "%d", &rec.Interval); err != nil {
			return nil, &syncerr.ValidationError{Field: "recurrence.interval", Reason: fmt.Sprintf("%q is not a number", every)}
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
