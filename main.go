// Command sonicsense watches a camera and a microphone array and records a
// clip around every loud acoustic event.
//
// Usage:
//
//	sonicsense [flags] <command>
//
// Commands:
//
//	run       - capture, record and deliver event clips
//	devices   - list audio host APIs and devices
//	settings  - read or change the detection settings
//	version   - show version information
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
