package sync

import "errors"

var (
	// ErrTransportUnsupported means this device cannot sync at all;
	// permanent, surfaced once at Start.
	ErrTransportUnsupported = errors.New("sync: transport unsupported")

	// ErrSessionUnavailable means the coordinator is not started.
	ErrSessionUnavailable = errors.New("sync: session unavailable")

	// ErrPeerUnreachable means a send could not be completed on any path.
	// Sync is best-effort: callers decide whether the local action still
	// proceeds.
	ErrPeerUnreachable = errors.New("sync: peer unreachable")
)
