// Package units holds byte-size constants used for buffer and limit
// configuration (e.g. websocket max message size).
package units

const (
	Kb = 1024
	Mb = 1024 * Kb
	Gb = 1024 * Mb
)
