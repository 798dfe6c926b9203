// Command newstore-tap extracts stores, shops, products and availabilities
// from a NewStore tenant and writes them to stdout as JSON lines.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
