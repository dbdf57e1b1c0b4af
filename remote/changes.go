package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

// WatchChanges follows the change stream of id and calls fn for every
// event until ctx is done or the server closes the stream. It returns nil
// when ctx ends the stream.
func (c *Client) WatchChanges(ctx context.Context, id domain.Identity, fn func(domain.ChangeEvent)) error {
	path := "/api/changes/" + url.PathEscape(id.UserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if id.Token != "" {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}

	// The stream outlives the per-request timeout of c.http.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	err = readEvents(resp.Body, func(data string) {
		var ev domain.ChangeEvent
		if err := sonic.UnmarshalString(data, &ev); err != nil {
			c.logger.WithError(err).WithField("data", data).Warn("dropping unreadable change event")
			return
		}
		fn(ev)
	})
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if err == nil {
		c.logger.WithField("user", id.UserID).Debug("change stream ended by server")
	}
	return err
}

// readEvents dispatches the data of every server-sent event in r.
func readEvents(r io.Reader, dispatch func(data string)) error {
	sc := bufio.NewScanner(r)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

