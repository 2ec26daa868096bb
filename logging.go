package main

import "log"

var debugLogging = false

// logDebug prints only with --verbose; everything noisy on the hot path
// goes through here so the default output stays usable as a terminal UI.
func logDebug(format string, args ...any) {
	if debugLogging {
		log.Printf(format, args...)
	}
}
