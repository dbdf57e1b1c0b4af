package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"prism-sync/domain"
)

// AddTask appends a new task. A non-nil when arms a reminder once the task
// was saved.
func (e *Engine) AddTask(ctx context.Context, text, category string, when *time.Time) (domain.Task, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Task{}, fmt.Errorf("add task: %w: empty text", ErrInvalidRecord)
	}
	task := domain.NewTask(text, category, when, e.now())
	if when != nil {
		e.scheduler.RequestPermission(ctx)
	}
	saved, err := e.mutateTasks(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
		return append(tasks, task), nil
	})
	if err != nil {
		return task, err
	}
	if i := indexOf(saved, task.ID); i >= 0 {
		return saved[i], nil
	}
	return task, nil
}

// DeleteTask removes a task and its reminder.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	_, err := e.mutateTasks(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, fmt.Errorf("delete task %q: %w", id, ErrTaskNotFound)
		}
		return append(tasks[:i], tasks[i+1:]...), nil
	})
	return err
}

// ToggleTask flips the completed flag. Completing a task cancels its
// reminder; reopening it re-arms one if the moment is still ahead.
func (e *Engine) ToggleTask(ctx context.Context, id string) (domain.Task, error) {
	return e.updateTask(ctx, id, func(t *domain.Task) error {
		t.Completed = !t.Completed
		return nil
	})
}

// EditTask changes the content and, when non-empty, the category of a task.
func (e *Engine) EditTask(ctx context.Context, id, text, category string) (domain.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, fmt.Errorf("edit task: %w: empty text", ErrInvalidRecord)
	}
	return e.updateTask(ctx, id, func(t *domain.Task) error {
		t.Title = text
		t.Text = text
		if category != "" {
			t.Category = category
		}
		return nil
	})
}

// EditTaskWithNotification changes the content and reminder moment of a
// task. A nil when removes the reminder.
func (e *Engine) EditTaskWithNotification(ctx context.Context, id, text string, when *time.Time) (domain.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, fmt.Errorf("edit task: %w: empty text", ErrInvalidRecord)
	}
	if when != nil {
		e.scheduler.RequestPermission(ctx)
	}
	return e.updateTask(ctx, id, func(t *domain.Task) error {
		t.Title = text
		t.Text = text
		if when == nil {
			t.NotificationTime = nil
		} else {
			at := *when
			t.NotificationTime = &at
		}
		return nil
	})
}

// SetTaskDetails replaces the optional priority, tags and due date of a task.
func (e *Engine) SetTaskDetails(ctx context.Context, id, priority string, tags []string, due *time.Time) (domain.Task, error) {
	if !domain.ValidatePriority(priority) {
		return domain.Task{}, fmt.Errorf("task details: %w: unknown priority %q", ErrInvalidRecord, priority)
	}
	return e.updateTask(ctx, id, func(t *domain.Task) error {
		t.Priority = priority
		t.Tags = append([]string(nil), tags...)
		if due == nil {
			t.DueDate = nil
		} else {
			d := *due
			t.DueDate = &d
		}
		return nil
	})
}

// ReorderTasks moves the task at index from to index to.
func (e *Engine) ReorderTasks(ctx context.Context, from, to int) ([]domain.Task, error) {
	return e.mutateTasks(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
		if from < 0 || from >= len(tasks) || to < 0 || to >= len(tasks) {
			return nil, fmt.Errorf("reorder %d -> %d of %d: %w", from, to, len(tasks), ErrInvalidRecord)
		}
		moved := tasks[from]
		tasks = append(tasks[:from], tasks[from+1:]...)
		tasks = append(tasks[:to], append([]domain.Task{moved}, tasks[to:]...)...)
		return tasks, nil
	})
}

// ClearTasks deletes every task and cancels every reminder.
func (e *Engine) ClearTasks(ctx context.Context) error {
	_, err := e.mutateTasks(ctx, func([]domain.Task) ([]domain.Task, error) {
		return []domain.Task{}, nil
	})
	return err
}

// RemoveCompleted deletes every completed task.
func (e *Engine) RemoveCompleted(ctx context.Context) (int, error) {
	removed := 0
	_, err := e.mutateTasks(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Completed {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ResetTasks clears the list and, while anonymous, drops the device cache
// entry altogether.
func (e *Engine) ResetTasks(ctx context.Context) error {
	if err := e.ClearTasks(ctx); err != nil {
		return err
	}
	if e.Backend() != Local {
		return nil
	}
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	return e.tasks.ClearLocal()
}

// OverdueTasks returns the open tasks whose reminder moment has passed.
func (e *Engine) OverdueTasks() []domain.Task {
	now := e.now()
	var out []domain.Task
	for _, t := range e.tasks.Items() {
		if !t.Completed && t.NotificationTime != nil && !t.NotificationTime.After(now) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) updateTask(ctx context.Context, id string, fn func(*domain.Task) error) (domain.Task, error) {
	var updated domain.Task
	saved, err := e.mutateTasks(ctx, func(tasks []domain.Task) ([]domain.Task, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, fmt.Errorf("task %q: %w", id, ErrTaskNotFound)
		}
		if err := fn(&tasks[i]); err != nil {
			return nil, err
		}
		tasks[i].UpdatedAt = e.now()
		updated = tasks[i]
		return tasks, nil
	})
	if err != nil {
		return updated, err
	}
	if i := indexOf(saved, id); i >= 0 {
		return saved[i], nil
	}
	return updated, nil
}

// mutateTasks applies fn to a copy of the current list, saves the result
// and reconciles reminders against what was persisted. Handles are only
// touched through reconciliation, so a failed save leaves them matching
// the unchanged projection.
func (e *Engine) mutateTasks(ctx context.Context, fn func([]domain.Task) ([]domain.Task, error)) ([]domain.Task, error) {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()

	next, err := fn(e.tasks.Items())
	if err != nil {
		return e.tasks.Items(), err
	}
	saved, err := e.tasks.Save(ctx, e.Session(), next)
	if err != nil {
		e.syncReminders(ctx, e.tasks.Items())
		return saved, err
	}
	e.syncReminders(ctx, saved)
	return saved, nil
}

func indexOf[T domain.Record](records []T, id string) int {
	for i, r := range records {
		if r.RecordID() == id {
			return i
		}
	}
	return -1
}
