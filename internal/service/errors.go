package service

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrConnection marks every failure caused by an unreachable queue store.
	ErrConnection = errors.New("queue store unavailable")

	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrDuplicate       = errors.New("duplicate inbound message")
)

// ConnectionError is returned instead of buffering work when the queue store
// cannot be reached. errors.Is(err, ErrConnection) holds for it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "queue " + e.Op + ": " + ErrConnection.Error() + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnErr(err) {
		return &ConnectionError{Op: op, Err: err}
	}
	return err
}

func isConnErr(err error) bool {
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, redis.ErrPoolTimeout) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
