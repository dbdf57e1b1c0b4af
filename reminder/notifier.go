package reminder

import (
	"context"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// AlertTitle is the heading of every reminder alert.
const AlertTitle = "Todo List Reminder"

// Reminder is the content of one alert.
type Reminder struct {
	TaskID string
	Title  string
	Body   string
}

// Notifier surfaces an alert to the user.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// Permitter is implemented by notifiers whose host must grant permission
// before alerts can be shown.
type Permitter interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// WriterNotifier prints alerts to a terminal or log file.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterNotifier writes alerts to w.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) RequestPermission(context.Context) (bool, error) {
	return n.w != nil, nil
}

func (n *WriterNotifier) Notify(_ context.Context, r Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := fmt.Fprintf(n.w, "%s: %s\n", r.Title, r.Body)
	return err
}

// LogNotifier emits alerts as log entries.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, r Reminder) error {
	logger := n.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithField("task", r.TaskID).Info(r.Title + ": " + r.Body)
	return nil
}
