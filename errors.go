package hycast

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Error constants used throughout the hycast library.
// These provide standardized errors for common failure conditions.
var (
	// ErrPeerExists is returned when activating a peer whose remote socket
	// address is already present in the peer-set.
	ErrPeerExists = errors.New("peer already in peer-set")

	// ErrAlreadyRunning is returned by Run when a manager is executed a
	// second time. Running twice is a programmer bug.
	ErrAlreadyRunning = errors.New("manager is already running")

	// ErrHalted is returned when an operation is attempted on a peer or
	// manager that has been halted.
	ErrHalted = errors.New("instance has been halted")

	// ErrBadPduId is returned when an incoming PDU carries an unknown
	// identifier. The offending connection is torn down.
	ErrBadPduId = errors.New("unknown PDU identifier")

	// ErrNameTooLong is returned when a product name exceeds the 16-bit
	// length prefix of the wire format.
	ErrNameTooLong = errors.New("product name too long for wire format")

	// ErrSegTooLarge is returned when a data-segment exceeds the canonical
	// segment size.
	ErrSegTooLarge = errors.New("data-segment larger than canonical size")

	// ErrInvalidArgument is returned for invalid inputs: a zero product
	// index, an empty product name, a zero peer limit.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPoolClosed is returned by ServerPool.Pop after the pool has been
	// closed.
	ErrPoolClosed = errors.New("server pool is closed")
)

// transientErrnos are connection-level failures that terminate a single
// peer without being fatal to the manager.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
	syscall.ENETRESET,
	syscall.EHOSTUNREACH,
}

// isTransientErr reports whether err is a transient network failure: EOF,
// a closed connection, a timeout, or one of the transient errnos.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// isProtocolErr reports whether err is a malformed-PDU error, which also
// terminates only the offending peer.
func isProtocolErr(err error) bool {
	return errors.Is(err, ErrBadPduId) || errors.Is(err, ErrNameTooLong) ||
		errors.Is(err, ErrSegTooLarge) || errors.Is(err, ErrInvalidArgument)
}
