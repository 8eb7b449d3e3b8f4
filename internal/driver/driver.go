package driver

import (
	"context"
	"errors"
	"fmt"
)

// Receiver is called with a serialized model and its version whenever the
// driver observes state the receiver has not yet seen.
type Receiver func(data []byte, version int)

// Driver is a persistence or replication endpoint for one storage key.
//
// A Driver never interprets the bytes it carries. Sends are fenced: a send
// at version v succeeds only if the last accepted version is v-1.
type Driver interface {
	// Key returns the storage key this driver is bound to.
	Key() Key

	// RegisterReceiver installs r. If the stored state is newer than the
	// state identified by token, it is delivered first. Every later
	// change made through another driver is delivered asynchronously and
	// in order. A driver never delivers its own sends back to itself.
	RegisterReceiver(ctx context.Context, token string, r Receiver) error

	// Send stores data at version. It returns false, without error, when
	// version is not exactly one past the last accepted version.
	Send(ctx context.Context, data []byte, version int) (bool, error)

	// Fetch returns the latest stored model and version. An empty key
	// yields nil data and version 0.
	Fetch(ctx context.Context) ([]byte, int, error)

	// Token returns an opaque marker for the latest state this driver has
	// seen. Passing it to RegisterReceiver after a restart skips data the
	// caller already has.
	Token() string

	// Close detaches the driver. Pending deliveries may still run.
	Close() error
}

// ExistenceMode is the existence policy fixed at construction.
type ExistenceMode int

const (
	// MayExist opens the key, creating it if needed.
	MayExist ExistenceMode = iota
	// ShouldExist requires the key to exist already.
	ShouldExist
	// ShouldCreate requires the key to be new and creates it.
	ShouldCreate
)

// String returns the mode name.
func (m ExistenceMode) String() string {
	switch m {
	case MayExist:
		return "MayExist"
	case ShouldExist:
		return "ShouldExist"
	case ShouldCreate:
		return "ShouldCreate"
	default:
		return fmt.Sprintf("ExistenceMode(%d)", int(m))
	}
}

// ConfigError is a fatal construction-time error. It is never retried.
type ConfigError struct {
	// Code identifies the error category.
	Code ConfigErrorCode

	// Message is a human-readable description.
	Message string

	// Key is the offending storage key, if known.
	Key string
}

// ConfigErrorCode categorizes configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeWrongExistence means the key's existence contradicts the mode.
	ErrCodeWrongExistence ConfigErrorCode = "WRONG_EXISTENCE"

	// ErrCodeUnsupportedProtocol means no factory serves the key's protocol.
	ErrCodeUnsupportedProtocol ConfigErrorCode = "UNSUPPORTED_PROTOCOL"

	// ErrCodeBadKey means the storage key could not be parsed.
	ErrCodeBadKey ConfigErrorCode = "BAD_KEY"
)

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsWrongExistenceError reports whether err is an existence-mode violation.
func IsWrongExistenceError(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeWrongExistence
	}
	return false
}

func wrongExistence(key Key, mode ExistenceMode, exists bool) *ConfigError {
	state := "does not exist"
	if exists {
		state = "already exists"
	}
	return &ConfigError{
		Code:    ErrCodeWrongExistence,
		Message: fmt.Sprintf("%s requested but key %s", mode, state),
		Key:     key.String(),
	}
}
