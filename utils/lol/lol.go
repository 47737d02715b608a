// Package lol bridges the string-valued log level found in configuration
// (environment variables, .env files) onto utils/log's Level type.
package lol

import "hypertuna.dev/utils/log"

// SetLogLevel parses s (e.g. "debug", "info") and applies it as the
// process-wide log threshold.
func SetLogLevel(s string) { log.SetLevel(log.ParseLevel(s)) }
