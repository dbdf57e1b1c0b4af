package syncer

import (
	"errors"
	"fmt"
	"net/http"

	"prism-sync/localcache"
	"prism-sync/remote"
)

var (
	// ErrRemoteUnavailable is a transient transport or server failure.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	// ErrRemoteRejected means the remote store refused the request.
	ErrRemoteRejected = errors.New("remote store rejected request")
	// ErrMalformedData means a payload could not be decoded.
	ErrMalformedData = errors.New("malformed data")
	// ErrLocalUnavailable means the device cache cannot be read or written.
	ErrLocalUnavailable = errors.New("local storage unavailable")
	// ErrNotAuthenticated is returned by operations that need an identity.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrTaskNotFound is returned when a mutation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrActivityNotFound is returned when a mutation names an unknown activity.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrInvalidRecord is returned when a mutation would persist an invalid record.
	ErrInvalidRecord = errors.New("invalid record")
)

// translate converts a persistence error into one of the package sentinels.
// The underlying error is kept as text only so transport types never escape.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	var statusErr *remote.StatusError
	switch {
	case errors.Is(err, localcache.ErrUnavailable):
		sentinel = ErrLocalUnavailable
	case errors.Is(err, remote.ErrNotFound):
		sentinel = ErrRemoteRejected
	case errors.Is(err, remote.ErrMalformedResponse):
		sentinel = ErrMalformedData
	case errors.As(err, &statusErr):
		if statusErr.Temporary() {
			sentinel = ErrRemoteUnavailable
		} else if statusErr.Code == http.StatusUnauthorized {
			sentinel = ErrNotAuthenticated
		} else {
			sentinel = ErrRemoteRejected
		}
	default:
		sentinel = ErrRemoteUnavailable
	}
	return fmt.Errorf("%s: %w: %v", op, sentinel, err)
}
