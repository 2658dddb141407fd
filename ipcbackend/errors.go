package ipcbackend

import "errors"

var (
	// ErrHandshakeFailed is returned when the trusted-side server rejects
	// the untrusted side's load token.
	ErrHandshakeFailed = errors.New("ipcbackend: handshake rejected")
	// ErrSpawnFailed is returned when the trusted image subprocess could
	// not be started.
	ErrSpawnFailed = errors.New("ipcbackend: failed to spawn trusted image")
	// ErrDialTimeout is returned when the trusted image's control socket
	// never became reachable within the configured timeout.
	ErrDialTimeout = errors.New("ipcbackend: timed out dialing trusted image socket")
)
