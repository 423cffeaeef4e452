package app

import (
	"errors"

	"bottlesync/internal/domain"
)

// Connection errors surfaced to collaborators as the latest poll error.
// Decode failures and duplicate records are absorbed and never surface.
var (
	// ErrScanTimeout indicates no matching bottle was seen before the scan
	// timeout. The next scheduled poll retries.
	ErrScanTimeout = errors.New("scan timed out without finding the bottle")
	// ErrConnectFailure indicates the bottle was found but the link could not
	// be established.
	ErrConnectFailure = errors.New("connect failed")
	// ErrDiscoveryFailure indicates service or characteristic enumeration,
	// subscription or the history request failed.
	ErrDiscoveryFailure = errors.New("service discovery failed")
	// ErrLinkLost indicates the bottle dropped the link before any data
	// arrived.
	ErrLinkLost = errors.New("link lost")
	// ErrDataTimeout indicates the bottle sent nothing after the history
	// request.
	ErrDataTimeout = errors.New("no data received")
	// ErrPollCancelled marks a poll discarded by Disconnect or StopScanning.
	ErrPollCancelled = errors.New("poll cancelled")
	// ErrHardwareUnavailable indicates the radio is off or inaccessible.
	// Polling pauses until the radio reports a state change.
	ErrHardwareUnavailable = domain.ErrHardwareUnavailable
)
