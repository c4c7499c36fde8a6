package fetch

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Identity is the user agent and optional proxy used for one request
type Identity struct {
	UserAgent string
	Proxy     string
}

// String identifies the identity in logs and burned sets
func (id Identity) String() string {
	if id.Proxy == "" {
		return id.UserAgent
	}
	return id.UserAgent + " via " + redactProxy(id.Proxy)
}

// State of a fetch task
type State int

const (
	StatePending State = iota
	StateInFlight
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task tracks one URL through the retry state machine.
// It is owned by a single worker.
type Task struct {
	URL      string
	Domain   string
	Attempts int
	Delay    time.Duration
	Identity Identity
	State    State
	Err      error
}

// NewTask creates a pending task for rawURL
func NewTask(rawURL string) (*Task, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &url.Error{Op: "parse", URL: rawURL, Err: errUnsupportedScheme}
	}
	return &Task{
		URL:    rawURL,
		Domain: strings.ToLower(u.Hostname()),
		State:  StatePending,
	}, nil
}

// Response is what a fetch capability returns for one request
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	FinalURL    string
	Redirects   []string
}

// RawPage is a successfully fetched page, handed from the orchestrator to extraction
type RawPage struct {
	URL         string
	FinalURL    string
	FetchedAt   time.Time
	Status      int
	ContentType string
	Body        []byte
	Identity    Identity
}

// Capability performs a single request with the given identity within timeout.
// It reports non-2xx statuses through Response, and transport failures as errors.
type Capability interface {
	Fetch(ctx context.Context, url string, id Identity, timeout time.Duration) (*Response, error)
}

func redactProxy(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
