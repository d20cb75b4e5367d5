package calls

import (
	"context"
	"net/http"
	"time"
)

// Session is an authenticated browser session against the dashboard.
type Session interface {
	Login(ctx context.Context) error
	FetchDashboard(ctx context.Context) (Snapshot, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Close()
}

// AudioFetcher issues HEAD probes and GET downloads against the recording endpoint.
type AudioFetcher interface {
	Probe(ctx context.Context, request FetchRequest) (FetchResponse, error)
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// DurationProber measures the playable length of a local audio file.
type DurationProber interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// Acquirer produces a local recording for a record.
type Acquirer interface {
	Acquire(ctx context.Context, record Record, cookies []*http.Cookie) (Recording, error)
}

// Notifier sends the lightweight "new call" message.
type Notifier interface {
	NotifyNew(ctx context.Context, record Record) (NotificationHandle, error)
}

// Deliverer forwards a recording with its caption and retracts the prior notification.
type Deliverer interface {
	Deliver(ctx context.Context, path string, record Record, handle NotificationHandle) error
}

// Alerter fans an operator alert out to every operator recipient.
type Alerter interface {
	Alert(ctx context.Context, title, detail string) error
}

// Journal records call outcomes for operators.
type Journal interface {
	Record(ctx context.Context, outcome Outcome) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle and alert ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
