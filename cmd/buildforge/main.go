// Command buildforge runs the build job engine and its operator tools.
package main

import (
	"fmt"
	"os"

	"buildforge/internal/logging"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=..."
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "buildforge",
	Short: "BuildForge - AI build job engine",
	Long: `BuildForge turns natural-language build requests into generated code.
Jobs run through one or more AI provider calls, stream their progress over
SSE and WebSocket, and finish with a downloadable artifact.`,
	Version:      version,
	SilenceUsage: true,
}

func main() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
