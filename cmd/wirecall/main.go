package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┬ ┬┬┬─┐┌─┐┌─┐┌─┐┬  ┬
  │││││├┬┘├┤ │  ├─┤│  │
  └┴┘┴┴└─└─┘└─┘┴ ┴┴─┘┴─┘
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "wirecall",
		Short: "Serve Go methods to web clients",
		Long: `Wirecall exposes plain Go methods as remote calls over HTTP
and WebSocket, with cross-site protection and cookie sessions
handled by the engine.

  • Call methods by URL, query, JSON body or multipart form
  • Socket transport with server-to-client callbacks
  • CSRF protection negotiated per browser session
  • Pluggable session stores: memory, PostgreSQL, S3`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// printBanner prints the ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}