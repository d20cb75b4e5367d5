package acquire

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
)

// Stability is the outcome of one size-stability wait.
type Stability struct {
	Size   int64
	Known  bool
	Stable bool
	Probes int
	Waited time.Duration
}

// RequestFunc builds a fresh request for every probe so each carries its own cache buster.
type RequestFunc func() calls.FetchRequest

// WaitSizeStable probes once per interval until stableChecks consecutive
// samples report the same length or maxWait is spent. A probe that fails or
// reports no usable length is a missed sample: it neither updates the last
// size nor resets the run.
func (p *Poller) WaitSizeStable(
	ctx context.Context,
	build RequestFunc,
	stableChecks int,
	maxWait time.Duration,
) (Stability, error) {
	if stableChecks < 1 {
		stableChecks = 1
	}
	budget := probeBudget(maxWait, p.cfg.ProbeInterval)
	var (
		result Stability
		run    int
	)
	for result.Probes < budget {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("stability wait: %w", err)
		}
		req := build()
		result.Probes++
		size, ok := p.sample(ctx, req)
		if ok {
			if result.Known && size == result.Size {
				run++
			} else {
				run = 1
			}
			result.Size = size
			result.Known = true
			if run >= stableChecks {
				result.Stable = true
				p.logger.Debug("size stable",
					zap.Int64("size", size),
					zap.Int("probes", result.Probes),
					zap.Duration("waited", result.Waited),
				)
				return result, nil
			}
		}
		if err := p.sleep(ctx, p.cfg.ProbeInterval); err != nil {
			return result, fmt.Errorf("stability wait: %w", err)
		}
		result.Waited += p.cfg.ProbeInterval
	}
	p.logger.Debug("size stability budget exhausted",
		zap.Bool("known", result.Known),
		zap.Int64("size", result.Size),
		zap.Int("probes", result.Probes),
	)
	return result, nil
}

func (p *Poller) sample(ctx context.Context, req calls.FetchRequest) (int64, bool) {
	resp, err := p.fetcher.Probe(ctx, req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", req.URL), zap.Error(err))
		return 0, false
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		p.logger.Debug("probe status ignored", zap.Int("status", resp.StatusCode))
		return 0, false
	}
	if resp.ContentLength <= 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

func probeBudget(maxWait, interval time.Duration) int {
	if interval <= 0 {
		interval = time.Second
	}
	n := int(maxWait / interval)
	if maxWait%interval != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
