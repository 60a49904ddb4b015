package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Validation.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrNotFound      = "E_NOT_FOUND"

	// Movement/interaction outcomes.
	ErrDistanceExceeded = "E_DISTANCE_EXCEEDED"
	ErrOutOfBounds      = "E_OUT_OF_BOUNDS"
	ErrBlocked          = "E_BLOCKED"
	ErrConflict         = "E_CONFLICT"

	// Scheduler.
	ErrQueueFull = "E_QUEUE_FULL"
	ErrExpired   = "E_EXPIRED"
	ErrCancelled = "E_CANCELLED"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrBadRequest:       {},
	ErrInvalidTarget:    {},
	ErrNotFound:         {},
	ErrDistanceExceeded: {},
	ErrOutOfBounds:      {},
	ErrBlocked:          {},
	ErrConflict:         {},
	ErrQueueFull:        {},
	ErrExpired:          {},
	ErrCancelled:        {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
