package call

import (
	"errors"
	"fmt"
)

// MediaAccessError reports a failed local capture attempt. Reason
// distinguishes user-visible causes: a denied permission is actionable in a
// different way than missing hardware.
type MediaAccessError struct {
	Reason string
	Err    error
}

const (
	ReasonPermissionDenied = "permission-denied"
	ReasonNoUsableDevice   = "no-usable-device"
	ReasonDeviceBusy       = "device-busy"
)

func (e *MediaAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media access failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media access failed (%s)", e.Reason)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationError marks one peer link as failed. It never aborts the call;
// the affected link goes Broken and repair recreates it.
type NegotiationError struct {
	RemoteID string
	Op       string
	Err      error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed during %s: %v", e.RemoteID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ErrStaleSignal is an answer or candidate for a link that no longer exists
// or is in the wrong state. Expected under reordering; logged and dropped.
var ErrStaleSignal = errors.New("stale signal")

// ErrChannelDisconnected is surfaced when the signalling transport drops.
// Recovery is a full re-announce on reconnect, not per-message retry.
var ErrChannelDisconnected = errors.New("signalling channel disconnected")
