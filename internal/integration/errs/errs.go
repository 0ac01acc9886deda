// Package errs defines the shared error taxonomy for the integration engine:
// tagged errors carrying a kind, resource context, and recoverability flag, a
// classifier for raw transport errors, and the exponential backoff schedule
// used by sync and webhook retries.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies the failure class of an integration error.
type Kind string

const (
	// KindConnection covers network-level failures; recoverable by default.
	KindConnection Kind = "connection"
	// KindAuthentication covers credential failures; requires reconfiguration.
	KindAuthentication Kind = "authentication"
	// KindData covers payload or validation failures for a resource type.
	KindData Kind = "data"
	// KindConfiguration covers setup failures; never recoverable.
	KindConfiguration Kind = "configuration"
	// KindSync aggregates record-level failures across a sync run.
	KindSync Kind = "sync"
)

// Error is the tagged integration error. Callers branch on Kind and
// Recoverable rather than on concrete types.
type Error struct {
	Kind         Kind
	Message      string
	ResourceType string
	Recoverable  bool
	Err          error
}

func (e *Error) Error() string {
	if e.ResourceType != "" {
		return fmt.Sprintf("%s error (%s): %s", e.Kind, e.ResourceType, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Connection creates a recoverable network-level error.
func Connection(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Message: msg, Recoverable: true, Err: err}
}

// Authentication creates a credential-level error. New credentials are needed,
// so retrying the same request cannot succeed.
func Authentication(msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Recoverable: false, Err: err}
}

// Data creates a payload-level error for the given resource type.
func Data(resourceType, msg string, recoverable bool, err error) *Error {
	return &Error{Kind: KindData, Message: msg, ResourceType: resourceType, Recoverable: recoverable, Err: err}
}

// Configuration creates a setup-level error.
func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg, Recoverable: false}
}

// RecordError is one record-level failure inside a sync run.
type RecordError struct {
	Timestamp   time.Time `json:"timestamp"`
	Resource    string    `json:"resource"`
	Message     string    `json:"error"`
	Recoverable bool      `json:"recoverable"`
}

// SyncFailure aggregates the record-level failures of one run.
type SyncFailure struct {
	Errors []RecordError
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("sync completed with %d error(s)", len(e.Errors))
}

// KindOf returns the Kind of err, or KindConnection if err is not a taxonomy
// error (raw transport errors are network-shaped until classified otherwise).
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindConnection
}

// knownRecoverable are substrings of transient transport failures.
var knownRecoverable = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"no such host",
	"host unreachable",
	"network is unreachable",
	"temporarily unavailable",
	"EOF",
	"429",
	"502",
	"503",
	"504",
}

// knownPermanent are substrings of failures that retrying cannot fix.
var knownPermanent = []string{
	"permission denied",
	"unauthorized",
	"forbidden",
	"invalid credentials",
	"not found",
	"400",
	"401",
	"403",
	"404",
}

// IsRecoverable classifies err. Taxonomy errors carry their own flag; raw
// errors are matched against the known-permanent set first, then the
// known-recoverable set. Unclassified errors default to recoverable so the
// engine retries optimistically.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var ie *Error
	if errors.As(err, &ie) {
		return ie.Recoverable
	}

	msg := strings.ToLower(err.Error())
	for _, s := range knownPermanent {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range knownRecoverable {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return true
}

const (
	// DefaultRetryBase is the first retry delay.
	DefaultRetryBase = 1000 * time.Millisecond
	// DefaultRetryMax caps the backoff schedule.
	DefaultRetryMax = 60 * time.Second
)

// RetryDelay returns min(base * 2^attempt, max) for attempt >= 0.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if max <= 0 {
		max = DefaultRetryMax
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed for err.
func ShouldRetry(err error, attempt, maxRetries int) bool {
	return attempt < maxRetries && IsRecoverable(err)
}

// Humanize translates a raw transport error into an operator-facing summary.
// systemLabel names the remote side, e.g. "HIS system" or "LIMS system".
func Humanize(err error, systemLabel string) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return fmt.Sprintf("%s may be offline", systemLabel)
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "host unreachable"):
		return fmt.Sprintf("%s address could not be reached; check the base URL", systemLabel)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return fmt.Sprintf("%s did not respond in time", systemLabel)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "401"), strings.Contains(msg, "invalid credentials"):
		return fmt.Sprintf("%s rejected the configured credentials", systemLabel)
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "403"):
		return fmt.Sprintf("%s denied access to the requested resource", systemLabel)
	default:
		return err.Error()
	}
}

// Summary aggregates counts over a set of record errors.
type Summary struct {
	Total       int      `json:"total"`
	Recoverable int      `json:"recoverable"`
	Permanent   int      `json:"permanent"`
	TopMessages []string `json:"topMessages"`
}

// Summarize reports totals and the three most frequent messages.
func Summarize(errors []RecordError) Summary {
	s := Summary{Total: len(errors)}
	freq := make(map[string]int)
	for _, e := range errors {
		if e.Recoverable {
			s.Recoverable++
		} else {
			s.Permanent++
		}
		freq[e.Message]++
	}

	type mc struct {
		msg   string
		count int
	}
	ranked := make([]mc, 0, len(freq))
	for m, c := range freq {
		ranked = append(ranked, mc{m, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].msg < ranked[j].msg
	})
	for i := 0; i < len(ranked) && i < 3; i++ {
		s.TopMessages = append(s.TopMessages, ranked[i].msg)
	}
	return s
}
