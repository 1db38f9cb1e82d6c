// Command trader runs the papertrade ledger engine.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"papertrade/internal/cli"
)

func main() {
	// The root command loads configuration and builds the real logger from
	// the --config directory before any subcommand runs.
	cmd := cli.NewRootCmd(nil, zerolog.New(os.Stderr).With().Timestamp().Logger())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
