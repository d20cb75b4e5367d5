package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/callrelay/internal/calls"
)

type probeResult struct {
	size   int64
	status int
	err    error
}

// scriptedFetcher replays probe results and serves a fixed audio body.
type scriptedFetcher struct {
	mu       sync.Mutex
	probes   []probeResult
	repeat   *probeResult
	probed   []calls.FetchRequest
	fetched  []calls.FetchRequest
	body     []byte
	ctype    string
	fetchErr error
	// fetchErrAfter successful downloads are served before fetchErr applies.
	fetchErrAfter int
}

func (f *scriptedFetcher) Probe(_ context.Context, req calls.FetchRequest) (calls.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, req)
	var next probeResult
	switch {
	case len(f.probes) > 0:
		next, f.probes = f.probes[0], f.probes[1:]
	case f.repeat != nil:
		next = *f.repeat
	default:
		next = probeResult{err: errors.New("no scripted probe")}
	}
	if next.err != nil {
		return calls.FetchResponse{}, next.err
	}
	status := next.status
	if status == 0 {
		status = http.StatusOK
	}
	return calls.FetchResponse{URL: req.URL, StatusCode: status, ContentLength: next.size}, nil
}

func (f *scriptedFetcher) Fetch(_ context.Context, req calls.FetchRequest) (calls.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, req)
	if f.fetchErr != nil && len(f.fetched) > f.fetchErrAfter {
		return calls.FetchResponse{}, f.fetchErr
	}
	ctype := f.ctype
	if ctype == "" {
		ctype = "audio/mpeg"
	}
	return calls.FetchResponse{
		URL:           req.URL,
		StatusCode:    http.StatusOK,
		Headers:       http.Header{"Content-Type": []string{ctype}},
		ContentLength: int64(len(f.body)),
		Body:          f.body,
	}, nil
}

type fixedProber struct {
	durations []time.Duration
	calls     int
}

func (p *fixedProber) Probe(context.Context, string) (time.Duration, error) {
	d := p.durations[min(p.calls, len(p.durations)-1)]
	p.calls++
	return d, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) total() time.Duration {
	var sum time.Duration
	for _, d := range s.sleeps {
		sum += d
	}
	return sum
}

func constant(n int, size int64) []probeResult {
	out := make([]probeResult, n)
	for i := range out {
		out[i] = probeResult{size: size}
	}
	return out
}

func newTestPoller(t *testing.T, fetcher calls.AudioFetcher, prober calls.DurationProber, sleeps *sleepRecorder) *Poller {
	t.Helper()
	p, err := New(Config{
		SoundURL:  "https://dash.example.com/live/calls/sound",
		Referer:   "https://dash.example.com/live/calls",
		UserAgent: "callrelay-test",
		WorkDir:   t.TempDir(),
	}, fetcher, prober, nil,
		WithSleep(sleeps.sleep),
		WithClock(func() time.Time { return time.Unix(1700000500, 0) }),
	)
	require.NoError(t, err)
	return p
}

func staticRequest() calls.FetchRequest {
	return calls.FetchRequest{URL: "https://dash.example.com/live/calls/sound"}
}

// TestWaitSizeStableExactlyKProbes stops on the k-th identical sample without sleeping after it.
func TestWaitSizeStableExactlyKProbes(t *testing.T) {
	t.Parallel()

	for _, k := range []int{1, 4, 6} {
		fetcher := &scriptedFetcher{repeat: &probeResult{size: 50000}}
		sleeps := &sleepRecorder{}
		p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{7 * time.Second}}, sleeps)

		got, err := p.WaitSizeStable(context.Background(), staticRequest, k, 120*time.Second)
		require.NoError(t, err)
		require.True(t, got.Stable)
		require.True(t, got.Known)
		require.Equal(t, int64(50000), got.Size)
		require.Equal(t, k, got.Probes)
		require.Len(t, fetcher.probed, k)
		require.LessOrEqual(t, sleeps.total(), time.Duration(k)*time.Second)
	}
}

func TestWaitSizeStableChangeRestartsRun(t *testing.T) {
	t.Parallel()

	script := []probeResult{{size: 10}, {size: 10}, {size: 20}, {size: 20}, {size: 20}}
	fetcher := &scriptedFetcher{probes: script}
	sleeps := &sleepRecorder{}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, sleeps)

	got, err := p.WaitSizeStable(context.Background(), staticRequest, 3, 30*time.Second)
	require.NoError(t, err)
	require.True(t, got.Stable)
	require.Equal(t, int64(20), got.Size)
	require.Equal(t, 5, got.Probes)
}

// TestWaitSizeStableMissedSamples keeps the run across transport errors and unusable lengths.
func TestWaitSizeStableMissedSamples(t *testing.T) {
	t.Parallel()

	script := []probeResult{
		{size: 10},
		{err: errors.New("connection reset")},
		{size: 10},
		{status: http.StatusNotFound, size: 99},
		{size: -1},
		{size: 10},
	}
	fetcher := &scriptedFetcher{probes: script}
	sleeps := &sleepRecorder{}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, sleeps)

	got, err := p.WaitSizeStable(context.Background(), staticRequest, 3, 30*time.Second)
	require.NoError(t, err)
	require.True(t, got.Stable)
	require.Equal(t, int64(10), got.Size)
	require.Equal(t, 6, got.Probes)
}

// TestWaitSizeStableTimeoutReturnsLastSize never sees a repeat and returns the last size at max wait.
func TestWaitSizeStableTimeoutReturnsLastSize(t *testing.T) {
	t.Parallel()

	script := make([]probeResult, 10)
	for i := range script {
		script[i] = probeResult{size: int64(1000 * (i + 1))}
	}
	fetcher := &scriptedFetcher{probes: script}
	sleeps := &sleepRecorder{}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, sleeps)

	got, err := p.WaitSizeStable(context.Background(), staticRequest, 4, 10*time.Second)
	require.NoError(t, err)
	require.False(t, got.Stable)
	require.True(t, got.Known)
	require.Equal(t, int64(10000), got.Size)
	require.Equal(t, 10, got.Probes)
	require.Equal(t, 10*time.Second, got.Waited)
	require.Equal(t, 10*time.Second, sleeps.total())
}

func TestWaitSizeStableTimeoutAllFailed(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{repeat: &probeResult{err: errors.New("timeout")}}
	sleeps := &sleepRecorder{}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, sleeps)

	got, err := p.WaitSizeStable(context.Background(), staticRequest, 4, 5*time.Second)
	require.NoError(t, err)
	require.False(t, got.Known)
	require.Zero(t, got.Size)
	require.Equal(t, 5*time.Second, got.Waited)
}

func TestWaitSizeStableCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &scriptedFetcher{repeat: &probeResult{size: 1}}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, &sleepRecorder{})

	_, err := p.WaitSizeStable(ctx, staticRequest, 4, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, fetcher.probed)
}

// TestAcquireEndToEnd stabilises after six 50000-byte probes and succeeds on the first download.
func TestAcquireEndToEnd(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{probes: constant(6, 50000), body: make([]byte, 50000)}
	prober := &fixedProber{durations: []time.Duration{7 * time.Second}}
	sleeps := &sleepRecorder{}
	p := newTestPoller(t, fetcher, prober, sleeps)

	record := calls.NewRecord("A1", "18005551234", "9005551111", "00:05", "0.10", "1700000000.123")
	cookies := []*http.Cookie{{Name: "laravel_session", Value: "abc"}}
	rec, err := p.Acquire(context.Background(), record, cookies)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, 6, rec.Probes)
	require.Equal(t, 7*time.Second, rec.Duration)
	require.Equal(t, int64(50000), rec.Bytes)
	require.FileExists(t, rec.Path)
	require.Contains(t, rec.Path, "call_A1_18005551234_9005551111.mp3")

	require.Len(t, fetcher.probed, 6)
	require.Len(t, fetcher.fetched, 1)
	require.Len(t, sleeps.sleeps, 5)

	req := fetcher.fetched[0]
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	require.Equal(t, "18005551234", u.Query().Get("did"))
	require.Equal(t, "1700000000.123", u.Query().Get("uuid"))
	require.Equal(t, "1700000500", u.Query().Get("_ts"))
	require.Equal(t, "identity", req.Headers.Get("Accept-Encoding"))
	require.Equal(t, "no-cache", req.Headers.Get("Cache-Control"))
	require.Equal(t, "https://dash.example.com/live/calls", req.Headers.Get("Referer"))
	require.Equal(t, cookies, req.Cookies)
}

// TestAcquireRetryBound keeps re-downloading a short file and returns the final one.
func TestAcquireRetryBound(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{repeat: &probeResult{size: 4000}, body: []byte("short")}
	prober := &fixedProber{durations: []time.Duration{3 * time.Second}}
	sleeps := &sleepRecorder{}
	p := newTestPoller(t, fetcher, prober, sleeps)

	rec, err := p.Acquire(context.Background(), calls.NewRecord("A1", "1", "2", "", "", "1700000000.1"), nil)
	require.NoError(t, err)
	require.Equal(t, 5, rec.Attempts)
	require.Len(t, fetcher.fetched, 5)
	require.Equal(t, 5, prober.calls)
	require.True(t, rec.Short(6500*time.Millisecond))
	require.FileExists(t, rec.Path)

	// Initial wait: 6 probes, 5 sleeps. Each interim wait: 4 probes, 3 sleeps, then 2s x n backoff.
	require.Len(t, fetcher.probed, 6+4*4)
	var backoffs []time.Duration
	for _, d := range sleeps.sleeps {
		if d != time.Second {
			backoffs = append(backoffs, d)
		}
	}
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}, backoffs)
}

func TestAcquireStopsOnceLongEnough(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{repeat: &probeResult{size: 4000}, body: []byte("audio")}
	prober := &fixedProber{durations: []time.Duration{2 * time.Second, 6600 * time.Millisecond}}
	p := newTestPoller(t, fetcher, prober, &sleepRecorder{})

	rec, err := p.Acquire(context.Background(), calls.NewRecord("A1", "1", "2", "", "", "1700000000.1"), nil)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempts)
	require.Len(t, fetcher.fetched, 2)
}

func TestAcquireRejectsNonAudio(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{repeat: &probeResult{size: 10}, body: []byte("<html>"), ctype: "text/html"}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, &sleepRecorder{})

	_, err := p.Acquire(context.Background(), calls.NewRecord("A1", "1", "2", "", "", "1700000000.1"), nil)
	require.ErrorIs(t, err, ErrNotAudio)
	entries, readErr := os.ReadDir(p.cfg.WorkDir)
	require.NoError(t, readErr)
	require.Empty(t, entries)
}

func TestAcquireRejectsMissingToken(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, &sleepRecorder{})

	_, err := p.Acquire(context.Background(), calls.NewRecord("A1", "1", "2", "", "", "12345.6"), nil)
	require.ErrorIs(t, err, ErrNoToken)
	require.Empty(t, fetcher.probed)
}

func TestAcquireDownloadError(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{repeat: &probeResult{size: 10}, fetchErr: errors.New("read: connection reset")}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, &sleepRecorder{})

	_, err := p.Acquire(context.Background(), calls.NewRecord("A1", "1", "2", "", "", "1700000000.1"), nil)
	require.ErrorContains(t, err, "download recording")
}

// TestAcquireLaterDownloadErrorKeepsPreviousFile returns the earlier
// attempt's path with the error so the caller can clean it up.
func TestAcquireLaterDownloadErrorKeepsPreviousFile(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{
		repeat:        &probeResult{size: 10},
		body:          []byte("0123456789"),
		fetchErr:      errors.New("connection reset"),
		fetchErrAfter: 1,
	}
	p := newTestPoller(t, fetcher, &fixedProber{durations: []time.Duration{time.Second}}, &sleepRecorder{})

	rec, err := p.Acquire(context.Background(), calls.NewRecord("A1", "1", "2", "", "", "1700000000.1"), nil)
	require.ErrorContains(t, err, "connection reset")
	require.NotEmpty(t, rec.Path)
	require.FileExists(t, rec.Path)
	require.Equal(t, 1, rec.Attempts)
	require.Len(t, fetcher.fetched, 2)
}

func TestFileNameExtension(t *testing.T) {
	t.Parallel()

	require.Equal(t, "call_A_1_2.wav", fileName("A_1_2", "audio/x-wav"))
	require.Equal(t, "call_A_1_2.mp3", fileName("A_1_2", "audio/mpeg"))
	require.Equal(t, "call_A-B_1_2.mp3", fileName("A/B_1_2", "audio/mpeg"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, &scriptedFetcher{}, &fixedProber{}, nil)
	require.Error(t, err)
	_, err = New(Config{SoundURL: "https://x"}, nil, &fixedProber{}, nil)
	require.Error(t, err)
}

func TestProbeBudget(t *testing.T) {
	t.Parallel()

	require.Equal(t, 120, probeBudget(120*time.Second, time.Second))
	require.Equal(t, 3, probeBudget(2500*time.Millisecond, time.Second))
	require.Equal(t, 1, probeBudget(0, time.Second))
}
