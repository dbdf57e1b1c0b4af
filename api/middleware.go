package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const stageDecode = "decode"

var (
	errInvalidGzip         = errors.New("invalid gzip body")
	errUnsupportedEncoding = errors.New("unsupported content encoding")
)

// DecodeRequestBodies unwraps gzip request bodies before the collection
// handlers read them. Bodies with an unknown encoding or broken gzip data
// are refused with the usual error envelope and logged as a request in the
// decode stage.
func DecodeRequestBodies(logger *log.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			gzipped, err := parseContentEncoding(req.Header.Get(echo.HeaderContentEncoding))
			if err != nil {
				return rejectBody(c, logger, http.StatusUnsupportedMediaType, err)
			}
			if !gzipped {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return rejectBody(c, logger, http.StatusBadRequest, errInvalidGzip)
			}

			req.Body = &decodedBody{Reader: gr, raw: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func rejectBody(c echo.Context, logger *log.Logger, status int, cause error) error {
	req := c.Request()
	metrics, _ := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
	metrics.SetErrorStage(stageDecode)
	err := c.JSON(status, errorResponse{Success: false, Message: cause.Error()})
	metrics.Log(status, nil)
	return err
}

// parseContentEncoding reports whether the body is gzip coded. identity is
// accepted anywhere in the list; any other coding is an error.
func parseContentEncoding(header string) (bool, error) {
	gzipped := false
	for _, enc := range strings.Split(header, ",") {
		switch strings.ToLower(strings.TrimSpace(enc)) {
		case "", "identity":
		case "gzip", "x-gzip":
			if gzipped {
				return false, errUnsupportedEncoding
			}
			gzipped = true
		default:
			return false, errUnsupportedEncoding
		}
	}
	return gzipped, nil
}

type decodedBody struct {
	*gzip.Reader
	raw io.Closer
}

func (b *decodedBody) Close() error {
	err := b.Reader.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
