// Package errorf provides fmt.Errorf-shaped constructors tagged by the
// severity the caller intends, so transport-layer errors carry their own
// log level without the caller needing a separate chk.* call.
package errorf

import (
	"fmt"

	"hypertuna.dev/utils/log"
)

// E formats and logs an error-level error, returning it.
func E(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	log.E.F("%v", err)
	return err
}

// W formats and logs a warn-level error, returning it.
func W(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	log.W.F("%v", err)
	return err
}

// D formats and logs a debug-level error, returning it.
func D(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	log.D.F("%v", err)
	return err
}
