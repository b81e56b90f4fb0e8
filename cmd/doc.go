// Package cmd implements the command-line interface for mcpgate.
//
// This package provides the following commands:
//   - serve: Start the OAuth broker and the MCP SSE/HTTP transport
//   - providers: List known providers and check a provider configuration
//   - version: Display version information
//   - generate-docs: Generate markdown documentation for the bundled MCP tools
package cmd
