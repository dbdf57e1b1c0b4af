package domain

// Collection names used on the wire and in change events.
const (
	CollectionTasks      = "tasks"
	CollectionActivities = "activities"
)

// ChangeEvent is published after a collection was replaced server-side.
type ChangeEvent struct {
	UserID     string `json:"userId"`
	Collection string `json:"collection"`
	Count      int    `json:"count"`
	Timestamp  int64  `json:"timestamp"`
}
