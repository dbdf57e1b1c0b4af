package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"prism-sync/domain"
)

// AddActivity appends an activity. Every field is required.
func (e *Engine) AddActivity(ctx context.Context, title, day, clock string, due time.Time) (domain.Activity, error) {
	activity, err := domain.NewActivity(title, day, clock, due, e.now())
	if err != nil {
		return domain.Activity{}, fmt.Errorf("add activity: %w: %w", ErrInvalidRecord, err)
	}
	saved, err := e.mutateActivities(ctx, func(activities []domain.Activity) ([]domain.Activity, error) {
		return append(activities, activity), nil
	})
	if err != nil {
		return activity, err
	}
	if i := indexOf(saved, activity.ID); i >= 0 {
		return saved[i], nil
	}
	return activity, nil
}

// DeleteActivity removes an activity.
func (e *Engine) DeleteActivity(ctx context.Context, id string) error {
	_, err := e.mutateActivities(ctx, func(activities []domain.Activity) ([]domain.Activity, error) {
		i := indexOf(activities, id)
		if i < 0 {
			return nil, fmt.Errorf("delete activity %q: %w", id, ErrActivityNotFound)
		}
		return append(activities[:i], activities[i+1:]...), nil
	})
	return err
}

// ActivitiesForDay returns the activities planned on day, earliest first.
func (e *Engine) ActivitiesForDay(day string) []domain.Activity {
	var out []domain.Activity
	for _, a := range e.activities.Items() {
		if a.Day == day {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func (e *Engine) mutateActivities(ctx context.Context, fn func([]domain.Activity) ([]domain.Activity, error)) ([]domain.Activity, error) {
	e.activityMu.Lock()
	defer e.activityMu.Unlock()

	next, err := fn(e.activities.Items())
	if err != nil {
		return e.activities.Items(), err
	}
	return e.activities.Save(ctx, e.Session(), next)
}
