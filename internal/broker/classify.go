package broker

import "github.com/go-faster/errors"

// transientError marks an error as safe to retry by redelivering the message.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that consumers requeue the message that caused it.
// Errors that are not explicitly marked are treated as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in err's chain was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
