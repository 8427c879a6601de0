package agenterr

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrConfig            = errors.New("invalid configuration")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrTransientAPI      = errors.New("transient api error")
	ErrAuth              = errors.New("authentication failed")
	ErrRejected          = errors.New("action rejected")
)

// Kind is the failure class an executor error settles into.
type Kind string

const (
	KindNone      Kind = ""
	KindConfig    Kind = "config"
	KindRateLimit Kind = "rate_limit"
	KindTransient Kind = "transient"
	KindAuth      Kind = "auth"
	KindRejected  Kind = "rejected"
)

// Classify maps an error onto the taxonomy. Timeouts and unrecognised errors
// are transient: the action is deferred to a later cycle.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimit
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrTransientAPI), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// Err returns the sentinel an executor reports for a kind named by an
// external process. Unknown kinds are transient.
func (k Kind) Err() error {
	switch Kind(strings.ToLower(strings.TrimSpace(string(k)))) {
	case KindAuth:
		return ErrAuth
	case KindRejected:
		return ErrRejected
	case KindConfig:
		return ErrConfig
	default:
		return ErrTransientAPI
	}
}
