package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FetchError describes a failed fetch. Definitive errors mean the resource
// will not appear by retrying; everything else is transient.
type FetchError struct {
	URL        string
	StatusCode int
	Definitive bool
	// RetryAt is set when the host asked us to back off
	RetryAt time.Time
	Err     error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrRateLimited is wrapped by fetch errors for hosts that are paused
var ErrRateLimited = errors.New("host is rate limited")

// IsDefinitiveStatus reports whether a status code means the resource is
// permanently unavailable
func IsDefinitiveStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// AsFetchError unwraps a *FetchError from err
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
