// Package version carries the build-time version string, following the
// teacher's single-source-of-truth pattern for the value reported in
// NIP-11-style info documents and startup logs.
package version

// V is the current build version. Overridden at link time with
// -ldflags "-X hypertuna.dev/version.V=...".
var V = "0.1.0-dev"

// Description is a short human string describing this build. No package
// in this module reads it.
const Description = "hypertuna core runtime (gateway + worker)"
