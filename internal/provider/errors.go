package provider

import (
	"errors"
	"net/http"
	"time"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/decode"
	"tile-pipeline/internal/fetcher"
	"tile-pipeline/internal/tms"
)

// IsDefinitive reports whether retrying the command that returned err is pointless
func IsDefinitive(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, common.ErrConfiguration) || errors.Is(err, ErrOutsideLimit) || errors.Is(err, tms.ErrInvalidAddress) {
		return true
	}
	var de *decode.DecodeError
	if errors.As(err, &de) {
		return true
	}
	if fe, ok := fetcher.AsFetchError(err); ok {
		return fe.Definitive
	}
	return false
}

// RetryAt returns the time a rate limited host accepts requests again
func RetryAt(err error) (time.Time, bool) {
	fe, ok := fetcher.AsFetchError(err)
	if !ok || fe.RetryAt.IsZero() {
		return time.Time{}, false
	}
	return fe.RetryAt, true
}

// StatusCode returns the HTTP status behind err, 0 when there is none
func StatusCode(err error) int {
	if fe, ok := fetcher.AsFetchError(err); ok {
		return fe.StatusCode
	}
	if errors.Is(err, ErrOutsideLimit) || errors.Is(err, tms.ErrInvalidAddress) {
		return http.StatusNotFound
	}
	return 0
}
