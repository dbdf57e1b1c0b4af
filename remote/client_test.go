package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-sync/api"
	"prism-sync/domain"
	"prism-sync/storage"
)

var testSecret = []byte("client-test-secret")

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	auth, err := api.NewAuth(api.AuthConfig{SharedSecret: testSecret})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	logger, _ := test.NewNullLogger()
	e := echo.New()
	e.Use(api.DecodeRequestBodies(logger))
	api.Register(e, storage.NewMemory(), auth, logger)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func identity(t *testing.T, userID string) domain.Identity {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return domain.Identity{UserID: userID, Email: userID + "@example.com", Token: token}
}

func newTestClient(url string) (*Client, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return New(url, WithLogger(logger), WithTimeout(5*time.Second)), hook
}

func TestClientAgainstServer(t *testing.T) {
	srv := newTestAPI(t)
	client, _ := newTestClient(srv.URL)
	ctx := context.Background()
	alice := identity(t, "alice")

	if _, err := client.FetchTasks(ctx, alice); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before registration, got %v", err)
	}
	if err := client.RegisterUser(ctx, alice); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	tasks, err := client.FetchTasks(ctx, alice)
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	when := now.Add(time.Hour)
	written := domain.PrepareTasksWrite([]domain.Task{
		domain.NewTask("water plants", "home", &when, now),
		domain.NewTask("file taxes", "", nil, now),
	}, now)
	saved, err := client.ReplaceTasks(ctx, alice, written)
	if err != nil {
		t.Fatalf("ReplaceTasks: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved tasks, got %d", len(saved))
	}

	tasks, err = client.FetchTasks(ctx, alice)
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != written[0].ID || tasks[1].ID != written[1].ID {
		t.Fatalf("order or identity not preserved: %+v", tasks)
	}
	if tasks[0].NotificationTime == nil || !tasks[0].NotificationTime.Equal(when) {
		t.Fatalf("notification time lost: %+v", tasks[0].NotificationTime)
	}

	due := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	act, err := domain.NewActivity("swim", "Monday", "18:00", due, now)
	if err != nil {
		t.Fatalf("NewActivity: %v", err)
	}
	activities, err := client.ReplaceActivities(ctx, alice, []domain.Activity{act})
	if err != nil {
		t.Fatalf("ReplaceActivities: %v", err)
	}
	if len(activities) != 1 || activities[0].ID != act.ID {
		t.Fatalf("unexpected activities: %+v", activities)
	}
	if got, err := client.FetchActivities(ctx, alice); err != nil || len(got) != 1 {
		t.Fatalf("FetchActivities = %v, %v", got, err)
	}

	cleared, err := client.ReplaceTasks(ctx, alice, nil)
	if err != nil {
		t.Fatalf("ReplaceTasks(nil): %v", err)
	}
	if len(cleared) != 0 {
		t.Fatalf("expected cleared list, got %d", len(cleared))
	}
}

func TestClientRejectedWrite(t *testing.T) {
	srv := newTestAPI(t)
	client, _ := newTestClient(srv.URL)
	ctx := context.Background()
	alice := identity(t, "alice")
	if err := client.RegisterUser(ctx, alice); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	_, err := client.ReplaceTasks(ctx, alice, []domain.Task{{ID: "t1", Text: "text only"}})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusBadRequest || se.Temporary() {
		t.Fatalf("unexpected status error: %+v", se)
	}
	if se.Message != "Task validation failed" || len(se.Details) != 1 {
		t.Fatalf("unexpected validation details: %+v", se)
	}
}

func TestClientWrongToken(t *testing.T) {
	srv := newTestAPI(t)
	client, _ := newTestClient(srv.URL)
	alice := identity(t, "alice")
	alice.Token = "not.a.token"

	_, err := client.FetchTasks(context.Background(), alice)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
}

func TestClientResponseHandling(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, tasks []domain.Task, err error)
	}{
		{
			name:   "serverError",
			status: http.StatusInternalServerError,
			body:   `{"success":false,"message":"Server error"}`,
			check: func(t *testing.T, _ []domain.Task, err error) {
				var se *StatusError
				if !errors.As(err, &se) || !se.Temporary() || se.Message != "Server error" {
					t.Fatalf("expected temporary StatusError, got %v", err)
				}
			},
		},
		{
			name:   "plainTextError",
			status: http.StatusBadGateway,
			body:   "upstream down",
			check: func(t *testing.T, _ []domain.Task, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.Message != "upstream down" {
					t.Fatalf("expected StatusError with raw body, got %v", err)
				}
			},
		},
		{
			name:   "malformed",
			status: http.StatusOK,
			body:   `{"success":true,"tasks":`,
			check: func(t *testing.T, _ []domain.Task, err error) {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("expected ErrMalformedResponse, got %v", err)
				}
			},
		},
		{
			name:   "unsuccessfulEnvelope",
			status: http.StatusOK,
			body:   `{"success":false,"message":"nope"}`,
			check: func(t *testing.T, _ []domain.Task, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.Message != "nope" {
					t.Fatalf("expected StatusError, got %v", err)
				}
			},
		},
		{
			name:   "dropsUnreadableRecord",
			status: http.StatusOK,
			body:   `{"success":true,"tasks":[{"id":7},{"id":"ok","title":"a","text":"a"}]}`,
			check: func(t *testing.T, tasks []domain.Task, err error) {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(tasks) != 1 || tasks[0].ID != "ok" {
					t.Fatalf("expected only the readable record, got %+v", tasks)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("unexpected authorization header %q", got)
				}
				if r.URL.EscapedPath() != "/api/tasks/u%201" {
					t.Errorf("unexpected path %q", r.URL.EscapedPath())
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, _ := newTestClient(srv.URL + "/")
			tasks, err := client.FetchTasks(context.Background(), domain.Identity{UserID: "u 1", Token: "tok"})
			tt.check(t, tasks, err)
		})
	}
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, _ := newTestClient(url)
	_, err := client.FetchTasks(context.Background(), domain.Identity{UserID: "u", Token: "t"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	var se *StatusError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) {
		t.Fatalf("transport failure misclassified: %v", err)
	}
}
