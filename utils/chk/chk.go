// Package chk provides the boolean-returning "log if error" guards used
// pervasively in place of scattered `if err != nil { log... }` blocks:
//
//	if value, err = doThing(); chk.E(err) {
//	    return
//	}
package chk

import "hypertuna.dev/utils/log"

// E logs err at error level and reports whether it was non-nil.
func E(err error) bool {
	if err == nil {
		return false
	}
	log.E.F("%v", err)
	return true
}

// W logs err at warn level and reports whether it was non-nil.
func W(err error) bool {
	if err == nil {
		return false
	}
	log.W.F("%v", err)
	return true
}

// T logs err at trace level and reports whether it was non-nil.
//
// Used at call sites where failure is routine (e.g. expected reconnect
// churn) and would be noise at error level.
func T(err error) bool {
	if err == nil {
		return false
	}
	log.T.F("%v", err)
	return true
}

// D logs err at debug level and reports whether it was non-nil.
func D(err error) bool {
	if err == nil {
		return false
	}
	log.D.F("%v", err)
	return true
}
