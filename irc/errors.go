package irc

import "errors"

// Error kinds returned by the codec, composer, and session.
// Callers distinguish them with errors.Is against these sentinels; the
// concrete errors returned always wrap one of them with fmt.Errorf("%w").
var (
	// ErrTransport marks a connect/read/write/close failure of the
	// underlying stream. Recovery: the session transitions to Backoff
	// and reconnects.
	ErrTransport = errors.New("irc: transport error")

	// ErrMalformed marks a message that fails the wire grammar or a
	// numeric reply missing expected parameters. Non-fatal: surfaced as a
	// diagnostic, the stream continues.
	ErrMalformed = errors.New("irc: malformed message")

	// ErrProtocol marks a semantically impossible state transition (MODE
	// for an unknown channel, KICK of an unknown user). Non-fatal.
	ErrProtocol = errors.New("irc: protocol error")

	// ErrRegistrationFailed marks a fatal failure during registration
	// (banned, bad password, nick exhausted). Fatal: auto-reconnect stops.
	ErrRegistrationFailed = errors.New("irc: registration failed")

	// ErrUsage marks a caller-side misuse (sending on a closed session).
	// Rejected synchronously; no state change occurs.
	ErrUsage = errors.New("irc: usage error")
)
