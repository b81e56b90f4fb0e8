package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the mcpgate application
var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "OAuth broker and MCP transport for third-party providers",
	Long: `mcpgate brokers OAuth 2.0 authorization-code flows against third-party
providers (Slack, Google, GitHub, Figma, Atlassian, ...), keeps the resulting
tokens fresh, and exposes MCP sessions over SSE and plain HTTP that are bound
to the authorized identity.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpgate version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProvidersCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
}
