// Package calls defines core types shared across the call relay subsystems.
package calls

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// idSeparator joins the identity fields of a call row.
const idSeparator = "_"

var tokenPattern = regexp.MustCompile(`^\d{10,}\.\d+$`)

// Sentinel errors shared by the session implementations and the monitor.
var (
	// ErrSessionExpired reports that the dashboard redirected to the login page.
	ErrSessionExpired = errors.New("dashboard session expired")
	// ErrLoginRejected reports that a login attempt ended on the login page.
	ErrLoginRejected = errors.New("dashboard login rejected")
)

// Record is one call row observed on the dashboard.
type Record struct {
	ID             string `json:"id"`
	Termination    string `json:"termination"`
	Destination    string `json:"destination"`
	CallerID       string `json:"caller_id"`
	Duration       string `json:"duration"`
	Revenue        string `json:"revenue"`
	RecordingToken string `json:"recording_token,omitempty"`
}

// NewRecord trims the five positional fields and derives the record id.
func NewRecord(termination, destination, callerID, duration, revenue, token string) Record {
	r := Record{
		Termination:    strings.TrimSpace(termination),
		Destination:    strings.TrimSpace(destination),
		CallerID:       strings.TrimSpace(callerID),
		Duration:       strings.TrimSpace(duration),
		Revenue:        strings.TrimSpace(revenue),
		RecordingToken: strings.TrimSpace(token),
	}
	r.ID = RecordID(r.Termination, r.Destination, r.CallerID)
	return r
}

// RecordID composes the stable identifier of a call.
func RecordID(termination, destination, callerID string) string {
	return strings.Join([]string{termination, destination, callerID}, idSeparator)
}

// ValidToken reports whether the token has the epoch.fraction shape the audio endpoint accepts.
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// Acquirable reports whether the record carries enough data to fetch its audio.
func (r Record) Acquirable() bool {
	return r.Destination != "" && r.CallerID != "" && ValidToken(r.RecordingToken)
}

// ConnectionState is the monitor's view of the dashboard session.
type ConnectionState string

// Connection states reported by the monitor.
const (
	StateDisconnected   ConnectionState = "disconnected"
	StateAuthenticating ConnectionState = "authenticating"
	StateConnected      ConnectionState = "connected"
	StateDegraded       ConnectionState = "degraded"
)

// Snapshot is a rendered dashboard page captured by a Session.
type Snapshot struct {
	URL        string
	StatusCode int
	HTML       []byte
	FetchedAt  time.Time
	Elapsed    time.Duration
}

// Recording is a downloaded audio file on local disk.
type Recording struct {
	Path        string        `json:"path"`
	ContentType string        `json:"content_type"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration"`
	Attempts    int           `json:"attempts"`
	Probes      int           `json:"probes"`
}

// Short reports whether the recording is below the target duration.
func (r Recording) Short(target time.Duration) bool {
	return r.Duration < target
}

// NotificationHandle identifies a delivered instant notification so it can be retracted.
type NotificationHandle int64

// NoNotification marks a record whose instant notification was not delivered.
const NoNotification NotificationHandle = 0

// Outcome summarises one Call Processor invocation.
type Outcome struct {
	CallID     string        `json:"call_id"`
	Token      string        `json:"token"`
	Success    bool          `json:"success"`
	Stage      string        `json:"stage"`
	Error      string        `json:"error,omitempty"`
	Recording  Recording     `json:"recording"`
	ArchiveURI string        `json:"archive_uri,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Processing stages reported in an Outcome.
const (
	StageAcquire = "acquire"
	StageDeliver = "deliver"
	StagePanic   = "panic"
	StageDone    = "done"
)

// FetchRequest captures everything needed to probe or download the audio resource.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Cookies []*http.Cookie
}

// FetchResponse is the result returned by an AudioFetcher.
type FetchResponse struct {
	URL           string
	StatusCode    int
	Headers       http.Header
	ContentLength int64
	Body          []byte
	Duration      time.Duration
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}
