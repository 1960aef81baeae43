// Command engram stores, recalls and maintains agent memories from the
// command line, and runs the consolidation scheduler in serve mode.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
