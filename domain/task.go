package domain

import (
	"strings"
	"time"
)

const (
	// DefaultCategory is applied to tasks saved without a category.
	DefaultCategory = "general"
	// UntitledTask is written when neither title nor text carries content.
	UntitledTask = "Untitled Task"
)

// Task is a single to-do item. Title and Text hold the same value; older
// records carry only one of them, so both are filled on every write.
type Task struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Text             string     `json:"text"`
	Completed        bool       `json:"completed"`
	Category         string     `json:"category,omitempty"`
	Priority         string     `json:"priority,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	NotificationTime *time.Time `json:"notificationTime,omitempty"`
	DueDate          *time.Time `json:"dueDate,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// RecordID implements Record.
func (t Task) RecordID() string { return t.ID }

// Content returns the displayable value of the task, preferring Text.
func (t Task) Content() string {
	if t.Text != "" {
		return t.Text
	}
	return t.Title
}

// ReminderDue reports whether the task has a reminder strictly after now
// that should still fire.
func (t Task) ReminderDue(now time.Time) bool {
	return !t.Completed && t.NotificationTime != nil && t.NotificationTime.After(now)
}

// NewTask builds a task with a freshly generated identifier.
func NewTask(text, category string, notificationTime *time.Time, now time.Time) Task {
	if category == "" {
		category = DefaultCategory
	}
	text = strings.TrimSpace(text)
	return Task{
		ID:               NewID(),
		Title:            text,
		Text:             text,
		Category:         category,
		NotificationTime: cloneTime(notificationTime),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NormalizeTaskRead fills the twin content fields from each other and
// reports whether the record is usable: it must carry a well-formed id and
// some content.
func NormalizeTaskRead(t Task) (Task, bool) {
	if !ValidID(t.ID) {
		return t, false
	}
	if t.Title == "" {
		t.Title = t.Text
	}
	if t.Text == "" {
		t.Text = t.Title
	}
	if strings.TrimSpace(t.Text) == "" {
		return t, false
	}
	return t, true
}

// PrepareTasksWrite returns a copy of tasks ready to be persisted: both
// content fields populated, defaults applied and duplicate ids collapsed.
func PrepareTasksWrite(tasks []Task, now time.Time) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range Dedupe(tasks) {
		if t.Title == "" {
			t.Title = t.Text
		}
		if t.Text == "" {
			t.Text = t.Title
		}
		if strings.TrimSpace(t.Title) == "" {
			t.Title = UntitledTask
			t.Text = UntitledTask
		}
		if t.Category == "" {
			t.Category = DefaultCategory
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
		out = append(out, t)
	}
	return out
}

// ValidatePriority reports whether p is empty or one of the known levels.
func ValidatePriority(p string) bool {
	switch p {
	case "", "low", "medium", "high":
		return true
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
