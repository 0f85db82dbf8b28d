// Package main provides framesim, a synthetic stereo rig driving the frame
// pipeline end to end.
//
// Usage:
//
//	framesim [flags] <command>
//
// Commands:
//
//	run      - Start simulated devices and print synchronized frame sets
//	version  - Print the version
package main

import (
	"fmt"
	"os"

	"github.com/SmarterEye/libsmartereye2-sub000/cmd/framesim/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
