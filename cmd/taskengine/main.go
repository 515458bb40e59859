// Command taskengine hosts the task tree engine. It recovers persisted trees
// on startup, archives finished ones, and serves a read-only ops API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
