// Package normalize canonicalizes peer URLs and formats the "error: ..."
// style strings the socket/RPC protocols send back to callers.
package normalize

import (
	"fmt"
	"strings"
)

// URL trims surrounding whitespace and one trailing slash, so the same
// peer address written with or without that slash maps to one dial
// target. Letter case is left unchanged.
func URL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimSuffix(u, "/")
	return u
}

type errorFormatter struct{}

// Error formats protocol-level error strings with the "error: " prefix
// nostr-derived clients expect on NOTICE/CLOSED/OK messages.
var Error errorFormatter

func (errorFormatter) F(format string, a ...any) []byte {
	msg := format
	if len(a) > 0 {
		msg = fmt.Sprintf(format, a...)
	}
	if !strings.HasPrefix(msg, "error: ") {
		msg = "error: " + msg
	}
	return []byte(msg)
}
