package util

import (
	"errors"
	"io"
)

// drainLimit caps how much of an unread body is discarded to keep the
// connection reusable.
const drainLimit = 64 << 10

// DrainAndClose discards the rest of body and closes it. Errors are passed to
// each handler.
func DrainAndClose(body io.ReadCloser, errorHandlers ...func(error)) {
	if body == nil {
		return
	}
	_, copyErr := io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	if err := errors.Join(copyErr, body.Close()); err != nil {
		for _, f := range errorHandlers {
			f(err)
		}
	}
}
