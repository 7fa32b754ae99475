// Package telephony isolates the calling-provider integration. Business
// logic sees only the Provider interface; no SDK or wire types leak upward.
package telephony

import (
	"context"
	"errors"
)

var (
	ErrPlacementFailed = errors.New("call_placement_failed")
	ErrDeletionFailed  = errors.New("recording_deletion_failed")
	ErrExportFailed    = errors.New("recording_export_failed")
)

// PlaceCallRequest asks the provider to dial a destination. SessionID is
// echoed back on status callbacks so they can be correlated.
type PlaceCallRequest struct {
	SessionID string
	To        string
	From      string

	// StatusCallbackURL receives the provider's asynchronous lifecycle events.
	StatusCallbackURL string
}

type PlaceCallResult struct {
	// ProviderCallSID is the provider's identifier for the live call.
	ProviderCallSID string
}

type Provider interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	DeleteRecording(ctx context.Context, recordingSID string) error

	// ExportRecording copies a recording to the given destination reference
	// before its retention deletion.
	ExportRecording(ctx context.Context, recordingSID, destination string) error
}
