package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrActivityTitle = errors.New("activity title is required")
	ErrActivityDay   = errors.New("activity day must be a weekday name")
	ErrActivityTime  = errors.New("activity time must be HH:MM")
	ErrActivityDue   = errors.New("activity due date is required")
)

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

var weekdays = map[string]struct{}{
	"Monday": {}, "Tuesday": {}, "Wednesday": {}, "Thursday": {},
	"Friday": {}, "Saturday": {}, "Sunday": {},
}

// Activity is a scheduled entry on the weekly planner.
type Activity struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Day       string    `json:"day"`
	Time      string    `json:"time"`
	DueDate   time.Time `json:"dueDate"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecordID implements Record.
func (a Activity) RecordID() string { return a.ID }

// NewActivity validates the fields and builds an activity with a fresh id.
func NewActivity(title, day, clock string, due, now time.Time) (Activity, error) {
	a := Activity{
		ID:        NewID(),
		Title:     strings.TrimSpace(title),
		Day:       day,
		Time:      clock,
		DueDate:   due,
		CreatedAt: now,
	}
	if err := a.Validate(); err != nil {
		return Activity{}, err
	}
	return a, nil
}

// Validate checks that every required field is present and well-formed.
func (a Activity) Validate() error {
	switch {
	case strings.TrimSpace(a.Title) == "":
		return ErrActivityTitle
	case !IsWeekday(a.Day):
		return ErrActivityDay
	case !clockPattern.MatchString(a.Time):
		return ErrActivityTime
	case a.DueDate.IsZero():
		return ErrActivityDue
	}
	return nil
}

// IsWeekday reports whether day is an English weekday name.
func IsWeekday(day string) bool {
	_, ok := weekdays[day]
	return ok
}

// NormalizeActivityRead reports whether a persisted activity is complete.
// Partial activities are never kept.
func NormalizeActivityRead(a Activity) (Activity, bool) {
	if !ValidID(a.ID) || a.Validate() != nil {
		return a, false
	}
	return a, true
}

// PrepareActivitiesWrite collapses duplicate ids and stamps missing
// creation times.
func PrepareActivitiesWrite(activities []Activity, now time.Time) []Activity {
	out := Dedupe(activities)
	for i := range out {
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = now
		}
	}
	return out
}
