// Package main provides the farmacontrol binary: the CLI and the local
// HTTP/WebSocket server that front the offline-first ledger.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
