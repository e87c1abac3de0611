// Package app provides the entry point for the mcpserve command-line
// application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "mcpserve",
	DisableAutoGenTag: true,
	Short:             "mcpserve is an MCP server framework with OAuth 2.1 authorization",
	Long: `mcpserve serves the Model Context Protocol over STDIO or streamable HTTP.
It carries its own OAuth 2.1 authorization server, brokers tokens with an
upstream identity provider, and loads tools and workflows from plugins.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the mcpserve CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
