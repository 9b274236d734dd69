package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nucleus/collector/internal/core"
)

// StatusError is a non-2xx answer.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Classify maps a client error onto the collector error taxonomy:
//
//	404                         NOT_FOUND
//	401, 403                    CONNECTION_ERROR, not retryable
//	429, 5xx, transport errors  CONNECTION_ERROR, retryable
//
// Other client errors are returned unchanged.
func Classify(err error, what string) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return core.ConnectionError(err)
	}
	switch {
	case se.Status == http.StatusNotFound:
		return core.NotFound(what)
	case se.Status == http.StatusUnauthorized, se.Status == http.StatusForbidden:
		return &core.Error{Code: core.CodeConnection, Status: se.Status, Err: err}
	case se.Status == http.StatusTooManyRequests, se.Status >= http.StatusInternalServerError:
		return core.ConnectionError(err)
	}
	return err
}
