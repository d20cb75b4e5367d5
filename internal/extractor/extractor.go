// Package extractor recognises call rows on the dashboard page and pulls out
// their recording tokens.
package extractor

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/metrics"
)

// Seen reports ids that were already dispatched.
type Seen interface {
	Contains(id string) bool
}

// Extractor runs strategies in order and keeps the first non-empty filtered result.
type Extractor struct {
	strategies []Strategy
	seen       Seen
	logger     *zap.Logger
}

// New builds an Extractor with the table strategy followed by the button fallback.
func New(seen Seen, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewWithStrategies(seen, logger, NewTableStrategy(logger), NewButtonStrategy(logger))
}

// NewWithStrategies builds an Extractor with an explicit strategy order.
func NewWithStrategies(seen Seen, logger *zap.Logger, strategies ...Strategy) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		strategies: strategies,
		seen:       seen,
		logger:     logger,
	}
}

// Extract parses html and returns the records not yet dispatched.
func (e *Extractor) Extract(html []byte) ([]calls.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse dashboard html: %w", err)
	}
	return e.ExtractDocument(doc), nil
}

// ExtractDocument is Extract over an already parsed document.
func (e *Extractor) ExtractDocument(doc *goquery.Document) []calls.Record {
	for _, strategy := range e.strategies {
		found := e.filter(strategy.Extract(doc))
		if len(found) == 0 {
			e.logger.Debug("strategy yielded no new records", zap.String("strategy", strategy.Name()))
			continue
		}
		metrics.ObserveDetected(strategy.Name(), len(found))
		for _, rec := range found {
			e.logger.Info("call detected",
				zap.String("strategy", strategy.Name()),
				zap.String("call_id", rec.ID),
				zap.String("destination", rec.Destination),
				zap.String("caller_id", rec.CallerID),
				zap.String("duration", rec.Duration),
				zap.String("token", rec.RecordingToken),
			)
		}
		return found
	}
	return nil
}

func (e *Extractor) filter(records []calls.Record) []calls.Record {
	if len(records) == 0 {
		return nil
	}
	out := make([]calls.Record, 0, len(records))
	inSnapshot := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.Destination == "" || rec.CallerID == "" {
			continue
		}
		if _, dup := inSnapshot[rec.ID]; dup {
			continue
		}
		if e.seen != nil && e.seen.Contains(rec.ID) {
			continue
		}
		inSnapshot[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}
