// Command xfetch fetches urls through the request engine and manages its
// disk cache.
//
// Usage:
//
//	xfetch get https://example.com/data.json
//	xfetch get --out ./iso --resume --rename https://example.com/download
//	xfetch cache stats --output json
//	xfetch cache clear
//
// Every XFETCH_* environment variable read by the engine configuration
// applies; flags override it.
package main

import (
	"fmt"
	"os"

	"github.com/GriffinCanCode/xfetch/cmd/xfetch/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.Version = version
	commands.Commit = commit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
