// Package cli implements the nanoclaw command tree.
package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/JaisonBinns/nanoclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _ __   __ _ _ __   ___   ___| | __ ___      __\n" +
		" | '_ \\ / _` | '_ \\ / _ \\ / __| |/ _` \\ \\ /\\ / /\n" +
		" | | | | (_| | | | | (_) | (__| | (_| |\\ V  V /\n" +
		" |_| |_|\\__,_|_| |_|\\___/ \\___|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:           "nanoclaw",
	Short:         "nanoclaw - chat-driven agents in containers",
	Long:          color.CyanString(logo) + "\nRoutes chat messages to per-group agents running in isolated containers.",
	SilenceUsage:  true,
	SilenceErrors: false,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(taskCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func ok(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.GreenString("✓ ")+fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.YellowString("! ")+fmt.Sprintf(format, args...))
}
