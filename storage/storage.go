// Package storage persists per-user task and activity collections for the
// reference server.
package storage

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

// ErrUserNotFound is returned for collections of an unknown user.
var ErrUserNotFound = errors.New("user not found")

// Backend is the persistence contract served by the api handlers.
type Backend interface {
	UpsertUser(ctx context.Context, user domain.Identity) error
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	ReplaceTasks(ctx context.Context, userID string, tasks []domain.Task) ([]domain.Task, error)
	FetchActivities(ctx context.Context, userID string) ([]domain.Activity, error)
	ReplaceActivities(ctx context.Context, userID string, activities []domain.Activity) ([]domain.Activity, error)
}

// Config names the Azure resources used by Storage.
type Config struct {
	ConnectionString string
	UsersTable       string
	TasksTable       string
	ActivitiesTable  string
	// ChangesQueue is optional; when set every replace publishes a
	// domain.ChangeEvent.
	ChangesQueue string
	Logger       *log.Logger
}

// Storage keeps users, tasks and activities in Azure Tables. Task and
// activity rows are partitioned by user id and keyed by record id.
type Storage struct {
	users      *aztables.Client
	tasks      *aztables.Client
	activities *aztables.Client
	changes    *azqueue.QueueClient
	logger     *log.Logger
	now        func() time.Time
}

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// New creates a Storage instance from cfg.
func New(cfg Config) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		users:      svc.NewClient(cfg.UsersTable),
		tasks:      svc.NewClient(cfg.TasksTable),
		activities: svc.NewClient(cfg.ActivitiesTable),
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	if cfg.ChangesQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Minute * 5,
					RetryDelay:    time.Second * 1,
					MaxRetryDelay: time.Second * 60,
					StatusCodes:   retryStatusCodes,
				},
			},
		}
		s.changes, err = azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.ChangesQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// UpsertUser records user as known.
func (s *Storage) UpsertUser(ctx context.Context, user domain.Identity) error {
	payload, err := sonic.Marshal(userEntity{
		entity:   entity{PartitionKey: user.UserID, RowKey: user.UserID},
		Email:    user.Email,
		Username: user.Username,
	})
	if err == nil {
		_, err = s.users.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// FetchTasks retrieves all tasks of userID in stored order.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	var rows []taskEntity
	if err := listPartition(ctx, s.tasks, userID, &rows); err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.task())
	}
	return tasks, nil
}

// ReplaceTasks makes tasks the complete task list of userID.
func (s *Storage) ReplaceTasks(ctx context.Context, userID string, tasks []domain.Task) ([]domain.Task, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	payloads := make(map[string][]byte, len(tasks))
	order := make([]string, 0, len(tasks))
	for i, t := range tasks {
		payload, err := sonic.Marshal(toTaskEntity(userID, i, t))
		if err != nil {
			return nil, err
		}
		payloads[t.ID] = payload
		order = append(order, t.ID)
	}
	if err := replacePartition(ctx, s.tasks, userID, order, payloads); err != nil {
		return nil, err
	}
	s.publish(ctx, userID, domain.CollectionTasks, len(tasks))
	return s.FetchTasks(ctx, userID)
}

// FetchActivities retrieves all activities of userID in stored order.
func (s *Storage) FetchActivities(ctx context.Context, userID string) ([]domain.Activity, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	var rows []activityEntity
	if err := listPartition(ctx, s.activities, userID, &rows); err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })
	activities := make([]domain.Activity, 0, len(rows))
	for _, r := range rows {
		activities = append(activities, r.activity())
	}
	return activities, nil
}

// ReplaceActivities makes activities the complete activity list of userID.
func (s *Storage) ReplaceActivities(ctx context.Context, userID string, activities []domain.Activity) ([]domain.Activity, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	payloads := make(map[string][]byte, len(activities))
	order := make([]string, 0, len(activities))
	for i, a := range activities {
		payload, err := sonic.Marshal(toActivityEntity(userID, i, a))
		if err != nil {
			return nil, err
		}
		payloads[a.ID] = payload
		order = append(order, a.ID)
	}
	if err := replacePartition(ctx, s.activities, userID, order, payloads); err != nil {
		return nil, err
	}
	s.publish(ctx, userID, domain.CollectionActivities, len(activities))
	return s.FetchActivities(ctx, userID)
}

func (s *Storage) requireUser(ctx context.Context, userID string) error {
	_, err := s.users.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// publish enqueues a change event. The replace already succeeded, so a
// failure here is logged rather than returned.
func (s *Storage) publish(ctx context.Context, userID, collection string, count int) {
	if s.changes == nil {
		return
	}
	data, err := sonic.MarshalString(domain.ChangeEvent{
		UserID:     userID,
		Collection: collection,
		Count:      count,
		Timestamp:  s.now().UnixMilli(),
	})
	if err == nil {
		_, err = s.changes.EnqueueMessage(ctx, data, nil)
	}
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"user":       userID,
			"collection": collection,
		}).Warn("change event not published")
	}
}

func listPartition[T any](ctx context.Context, table *aztables.Client, userID string, out *[]T) error {
	filter := "PartitionKey eq '" + escapeFilterValue(userID) + "'"
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			var row T
			if err := sonic.Unmarshal(e, &row); err != nil {
				return err
			}
			*out = append(*out, row)
		}
	}
	return nil
}

// replacePartition upserts every payload and deletes the rows of userID
// that are not part of the new list.
func replacePartition(ctx context.Context, table *aztables.Client, userID string, order []string, payloads map[string][]byte) error {
	var existing []entity
	if err := listPartition(ctx, table, userID, &existing); err != nil {
		return err
	}
	for _, id := range order {
		_, err := table.UpsertEntity(ctx, payloads[id], &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
		if err != nil {
			return err
		}
	}
	match := azcore.ETagAny
	for _, row := range existing {
		if _, keep := payloads[row.RowKey]; keep {
			continue
		}
		_, err := table.DeleteEntity(ctx, userID, row.RowKey, &aztables.DeleteEntityOptions{IfMatch: &match})
		if err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func escapeFilterValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
