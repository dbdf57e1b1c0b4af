package storage

import (
	"strings"
	"time"

	"prism-sync/domain"
)

const edmInt32 = "Edm.Int32"

// entity carries the table keys of every stored row.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type userEntity struct {
	entity
	Email    string `json:"Email,omitempty"`
	Username string `json:"Username,omitempty"`
}

type taskEntity struct {
	entity
	Title            string `json:"Title"`
	Text             string `json:"Text"`
	Completed        bool   `json:"Completed"`
	Category         string `json:"Category,omitempty"`
	Priority         string `json:"Priority,omitempty"`
	Tags             string `json:"Tags,omitempty"`
	NotificationTime string `json:"NotificationTime,omitempty"`
	DueDate          string `json:"DueDate,omitempty"`
	CreatedAt        string `json:"CreatedAt,omitempty"`
	UpdatedAt        string `json:"UpdatedAt,omitempty"`
	Order            int    `json:"Order"`
	OrderType        string `json:"Order@odata.type,omitempty"`
}

type activityEntity struct {
	entity
	Title     string `json:"Title"`
	Day       string `json:"Day"`
	Time      string `json:"Time"`
	DueDate   string `json:"DueDate"`
	CreatedAt string `json:"CreatedAt,omitempty"`
	Order     int    `json:"Order"`
	OrderType string `json:"Order@odata.type,omitempty"`
}

// Tags are stored as one comma separated property; tables have no arrays.
const tagSeparator = ","

func toTaskEntity(userID string, order int, t domain.Task) taskEntity {
	return taskEntity{
		entity:           entity{PartitionKey: userID, RowKey: t.ID},
		Title:            t.Title,
		Text:             t.Text,
		Completed:        t.Completed,
		Category:         t.Category,
		Priority:         t.Priority,
		Tags:             strings.Join(t.Tags, tagSeparator),
		NotificationTime: formatTimePtr(t.NotificationTime),
		DueDate:          formatTimePtr(t.DueDate),
		CreatedAt:        formatTime(t.CreatedAt),
		UpdatedAt:        formatTime(t.UpdatedAt),
		Order:            order,
		OrderType:        edmInt32,
	}
}

func (e taskEntity) task() domain.Task {
	t := domain.Task{
		ID:               e.RowKey,
		Title:            e.Title,
		Text:             e.Text,
		Completed:        e.Completed,
		Category:         e.Category,
		Priority:         e.Priority,
		NotificationTime: parseTimePtr(e.NotificationTime),
		DueDate:          parseTimePtr(e.DueDate),
		CreatedAt:        parseTime(e.CreatedAt),
		UpdatedAt:        parseTime(e.UpdatedAt),
	}
	if e.Tags != "" {
		t.Tags = strings.Split(e.Tags, tagSeparator)
	}
	return t
}

func toActivityEntity(userID string, order int, a domain.Activity) activityEntity {
	return activityEntity{
		entity:    entity{PartitionKey: userID, RowKey: a.ID},
		Title:     a.Title,
		Day:       a.Day,
		Time:      a.Time,
		DueDate:   formatTime(a.DueDate),
		CreatedAt: formatTime(a.CreatedAt),
		Order:     order,
		OrderType: edmInt32,
	}
}

func (e activityEntity) activity() domain.Activity {
	return domain.Activity{
		ID:        e.RowKey,
		Title:     e.Title,
		Day:       e.Day,
		Time:      e.Time,
		DueDate:   parseTime(e.DueDate),
		CreatedAt: parseTime(e.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}
