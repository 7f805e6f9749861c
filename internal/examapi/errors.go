package examapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed call by how callers should react to it.
type Kind int

const (
	// KindTransient failures may succeed on retry or on another route.
	KindTransient Kind = iota
	// KindPermanent failures are rejected on their merits and must not be retried.
	KindPermanent
	// KindUnauthorized ends the session; never retried.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every Client method on failure.
type Error struct {
	Op      string
	Status  int // 0 when no response was received
	Code    string
	Message string
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// permanentMarkers identify server messages describing a rejection that no
// retry can fix, even when reported with a 5xx status.
var permanentMarkers = []string{
	"constraint",
	"violat",
	"validation",
	"duplicate",
	"unique",
	"foreign key",
	"invalid input",
	"already completed",
}

func mentionsPermanent(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classifyStatus maps an HTTP status and server message to a Kind.
func classifyStatus(status int, code, message string) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case mentionsPermanent(code + " " + message):
		return KindPermanent
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// Classify reports the Kind of any error. Errors not produced by this
// package are classified from their type and message.
func Classify(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	switch {
	case err == nil:
		return KindPermanent
	case errors.Is(err, context.Canceled):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case mentionsPermanent(err.Error()):
		return KindPermanent
	default:
		// Network failures and unknown errors.
		return KindTransient
	}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool { return err != nil && Classify(err) == KindTransient }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return err != nil && Classify(err) == KindPermanent }

// IsUnauthorized reports whether err means the bearer token was rejected.
func IsUnauthorized(err error) bool { return err != nil && Classify(err) == KindUnauthorized }
