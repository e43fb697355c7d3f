// Package ctlerrors implements the control-plane error taxonomy: a small
// set of sentinel-wrapped kinds (Transport, Validation, Persistence,
// Internal) instead of typed exceptions, plus a supervised-goroutine
// helper implementing the fail-loud policy for internal panics.
package ctlerrors

import (
	"errors"
	"fmt"

	"github.com/cuemby/beacon/pkg/log"
)

// Sentinel kinds. Wrap with fmt.Errorf("%w: ...", KindX) to classify an
// error; callers test with errors.Is against these.
var (
	// Transport covers HTTP/WebSocket failures talking to a provider,
	// worker, or portal.
	Transport = errors.New("transport error")
	// Validation covers ill-formed bodies, unknown plans, bad tokens.
	Validation = errors.New("validation error")
	// Persistence covers DB write/read failures.
	Persistence = errors.New("persistence error")
	// Internal covers programmer errors that should never happen.
	Internal = errors.New("internal error")
)

// WrapTransport wraps err as a Transport-kind error.
func WrapTransport(err error) error { return wrap(Transport, err) }

// WrapValidation wraps err as a Validation-kind error.
func WrapValidation(err error) error { return wrap(Validation, err) }

// WrapPersistence wraps err as a Persistence-kind error.
func WrapPersistence(err error) error { return wrap(Persistence, err) }

// WrapInternal wraps err as an Internal-kind error.
func WrapInternal(err error) error { return wrap(Internal, err) }

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// IsTransport reports whether err is (or wraps) a Transport-kind error.
func IsTransport(err error) bool { return errors.Is(err, Transport) }

// IsValidation reports whether err is (or wraps) a Validation-kind error.
func IsValidation(err error) bool { return errors.Is(err, Validation) }

// IsPersistence reports whether err is (or wraps) a Persistence-kind error.
func IsPersistence(err error) bool { return errors.Is(err, Persistence) }

// GoSupervised runs fn in a new goroutine, recovering any panic and
// logging it as a fatal condition so the process exits loudly rather than
// silently dropping a spawned task (spec §7, "Internal" error handling).
func GoSupervised(component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithComponent(component).Fatal().
					Interface("panic", r).
					Msg("spawned task panicked; aborting process")
			}
		}()
		fn()
	}()
}
