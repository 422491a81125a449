package realtime

import "errors"

var (
	// ErrInvalidUserID rejects a handshake whose userId is missing or malformed.
	ErrInvalidUserID = errors.New("realtime: invalid user id")
	// ErrInvalidRole rejects a handshake with an unknown role.
	ErrInvalidRole = errors.New("realtime: invalid role")
	// ErrUnknownUser rejects a handshake for an id the user directory does not know.
	ErrUnknownUser = errors.New("realtime: unknown user")

	// ErrInvalidReceiver is returned for a malformed explicit receiverId.
	ErrInvalidReceiver = errors.New("realtime: invalid receiver id")
	// ErrInvalidContext is returned for a malformed contextId.
	ErrInvalidContext = errors.New("realtime: invalid context id")
	// ErrNoStaff is returned when an unaddressed message finds no online staff.
	ErrNoStaff = errors.New("realtime: no staff available")

	// ErrInvalidMessage is returned by stores for incomplete input.
	ErrInvalidMessage = errors.New("realtime: invalid message")
	// ErrNilStore guards methods called on a nil or unconfigured store.
	ErrNilStore = errors.New("realtime: nil store")
	// ErrSessionClosed is returned when enqueueing to a session that is shutting down.
	ErrSessionClosed = errors.New("realtime: session closed")
)
