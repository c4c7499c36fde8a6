package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Sentinel errors for errors.Is matching on *Error
var (
	ErrTimeout          = errors.New("fetch timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrAntiBotBlock     = errors.New("anti-bot block")
	ErrHTTPStatus       = errors.New("http error status")

	errUnsupportedScheme = errors.New("unsupported scheme")
	errEmptyResponse     = errors.New("capability returned no response")
)

// ErrorKind classifies fetch failures
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindConnectionFailed
	KindAntiBotBlock
	KindHTTPError
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection_failed"
	case KindAntiBotBlock:
		return "anti_bot_block"
	case KindHTTPError:
		return "http_error"
	default:
		return "unknown"
	}
}

// Error is the terminal or per-attempt failure of a fetch
type Error struct {
	Kind      ErrorKind
	URL       string
	Status    int
	Challenge string
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPError:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	case KindAntiBotBlock:
		return fmt.Sprintf("fetch %s: anti-bot block (%s)", e.URL, e.Challenge)
	default:
		if e.Err != nil {
			return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
		}
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrConnectionFailed:
		return e.Kind == KindConnectionFailed
	case ErrAntiBotBlock:
		return e.Kind == KindAntiBotBlock
	case ErrHTTPStatus:
		return e.Kind == KindHTTPError
	}
	return false
}

// Transient reports whether a retry with backoff may succeed
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindConnectionFailed:
		return true
	case KindHTTPError:
		return e.Status >= 500 || e.Status == 429 || e.Status == 408
	default:
		return false
	}
}

// Reason is a short label for stats aggregation, e.g. "http_503"
func (e *Error) Reason() string {
	if e.Kind == KindHTTPError {
		return fmt.Sprintf("http_%d", e.Status)
	}
	return e.Kind.String()
}

// classifyTransportError maps a capability error onto Timeout or ConnectionFailed
func classifyTransportError(rawURL string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &Error{Kind: KindConnectionFailed, URL: rawURL, Err: err}
}
