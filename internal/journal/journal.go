// Package journal holds what the call outcome journal backends share.
package journal

import (
	"context"
	"errors"

	"github.com/JakeFAU/callrelay/internal/calls"
)

// ErrNotConfigured is returned when a journal is used without a backend.
var ErrNotConfigured = errors.New("journal is not configured")

// Discard drops every outcome. It backs driver "none".
type Discard struct{}

// Record implements calls.Journal.
func (Discard) Record(context.Context, calls.Outcome) error { return nil }

// ErrorText returns the outcome error or nil for a successful call, for
// nullable columns.
func ErrorText(out calls.Outcome) *string {
	if out.Error == "" {
		return nil
	}
	msg := out.Error
	return &msg
}
