package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Standardized permanent failure codes. Any of these means the token will
// never work again and must be pruned from the subscription.
const (
	CodeTokenNotRegistered = "token-not-registered"
	CodeInvalidToken       = "invalid-token"
)

// Sender delivers one push message to a device token. Implementations
// classify failures: a PermanentError means the token is dead, anything
// else is treated as transient and retried on a later cycle.
type Sender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// PermanentError reports a delivery failure that no retry can fix.
type PermanentError struct {
	Code string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %s", e.Code)
}

// TransientError reports a delivery failure worth retrying later.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient delivery failure: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %s", e.Code)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
