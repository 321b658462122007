package ctrl

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrBadSelector rejects requests naming both or neither of index/name.
	ErrBadSelector = errors.New("ctrl: target selector must be exactly one of index or name")
	// ErrNotFound means no interface matched the selector.
	ErrNotFound = errors.New("ctrl: no such device")
	// ErrUnsupported means the interface exists but is not a tunnel device.
	ErrUnsupported = errors.New("ctrl: interface is not a tunnel device")
	// ErrPeerNotFound rejects removal of a peer that does not exist.
	ErrPeerNotFound = errors.New("ctrl: no such peer")
	// ErrNoMemory reports an allocation refusal.
	ErrNoMemory = errors.New("ctrl: out of resources")
	// ErrMessageTooLarge means a single unsplittable record exceeds the
	// message cap. Fatal for the turn, never retried internally.
	ErrMessageTooLarge = errors.New("ctrl: record does not fit one message")
)

// Code maps an error to its wire status code. Anything unrecognized is a
// validation failure.
func Code(err error) uint32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBadSelector):
		return uint32(unix.EBADR)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPeerNotFound):
		return uint32(unix.ENODEV)
	case errors.Is(err, ErrUnsupported):
		return uint32(unix.EOPNOTSUPP)
	case errors.Is(err, ErrNoMemory):
		return uint32(unix.ENOMEM)
	case errors.Is(err, ErrMessageTooLarge):
		return uint32(unix.EMSGSIZE)
	default:
		return uint32(unix.EINVAL)
	}
}
