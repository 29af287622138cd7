package crawler

import "errors"

var (
	// ErrInvalidURL is returned for addresses that cannot enter the frontier.
	ErrInvalidURL = errors.New("invalid URL")
	// ErrUnexpectedStatus is returned by the fetcher for any non-200 response.
	ErrUnexpectedStatus = errors.New("unexpected status code")
	// ErrUnsupportedContent is returned for responses that are not HTML or text.
	ErrUnsupportedContent = errors.New("unsupported content type")
	// ErrAlreadyStarted is returned when a supervisor is started twice.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrSupervisorStopped is returned when starting a supervisor that has shut down.
	ErrSupervisorStopped = errors.New("supervisor stopped")
)
