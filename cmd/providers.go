package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teemow/mcpgate/internal/provider"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List built-in OAuth providers",
		Long: `List the providers mcpgate knows out of the box, together with whether
client credentials for them are present in the environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listProviders(cmd.OutOrStdout(), provider.Builtin(), os.Getenv)
		},
	}
	cmd.AddCommand(newProvidersCheckCmd())
	return cmd
}

func newProvidersCheckCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the provider configuration serve would use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnvFallbacks(cmd.Flags(), serveEnv, os.Getenv); err != nil {
				return err
			}
			registry, err := provider.Load(provider.LoadOptions{
				Path:    opts.providersConfig,
				Enabled: parseCommaSeparatedList(opts.providers),
				BaseURL: strings.TrimRight(opts.baseURL, "/"),
			})
			if err != nil {
				return fmt.Errorf("invalid provider configuration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d provider(s) configured: %s\n", registry.Len(), strings.Join(registry.IDs(), ", "))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.providers, "providers", "", "Comma-separated provider ids to enable. Can also use MCPGATE_PROVIDERS env var.")
	f.StringVar(&opts.providersConfig, "providers-config", "", "Path to a YAML provider configuration file. Can also use MCPGATE_PROVIDERS_CONFIG env var.")
	f.StringVar(&opts.baseURL, "base-url", "", "Externally reachable URL used to derive redirect URIs. Can also use MCPGATE_BASE_URL env var.")
	return cmd
}

func listProviders(w io.Writer, providers map[string]provider.Config, getenv func(string) string) error {
	ids := make([]string, 0, len(providers))
	for id := range providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAUTHORIZE HOST\tPKCE\tCREDENTIALS")
	for _, id := range ids {
		c := providers[id]
		host := c.AuthorizeURL
		if u, err := url.Parse(c.AuthorizeURL); err == nil && u.Host != "" {
			host = u.Host
		}
		prefix := provider.EnvPrefix(id)
		creds := "missing"
		if getenv(prefix+"_CLIENT_ID") != "" && getenv(prefix+"_CLIENT_SECRET") != "" {
			creds = "set"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s (%s_CLIENT_ID, %s_CLIENT_SECRET)\n", id, host, c.PKCE, creds, prefix, prefix)
	}
	return tw.Flush()
}
