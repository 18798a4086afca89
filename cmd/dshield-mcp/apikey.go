package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/auth"
	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/secret"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the TCP transport",
	}
	cmd.AddCommand(newAPIKeyCreateCmd())
	cmd.AddCommand(newAPIKeyListCmd())
	cmd.AddCommand(newAPIKeyRevokeCmd())
	return cmd
}

// openKeyStore loads config and opens the key store for one-shot
// commands. The logger stays quiet; these are CLI operations.
func openKeyStore() (*auth.Store, *config.Config, error) {
	cfg, err := config.Load(flagConfig, zap.NewNop())
	if err != nil {
		return nil, nil, &exitError{code: exitUsage, err: err}
	}
	store, err := auth.Open(cfg.DataDir, secret.NewResolver(), cfg.APIKeys, zap.NewNop())
	if err != nil {
		return nil, nil, &exitError{code: exitSoftware, err: err}
	}
	return store, cfg, nil
}

func newAPIKeyCreateCmd() *cobra.Command {
	var (
		name        string
		expiresIn   time.Duration
		permissions []string
		rateLimit   uint32
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a key; the value is printed once and never stored locally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()

			key, err := store.Create(cmd.Context(), auth.CreateParams{
				Name:        name,
				ExpiresIn:   expiresIn,
				Permissions: permissions,
				RateLimit:   rateLimit,
			})
			if err != nil {
				return &exitError{code: exitSoftware, err: err}
			}

			fmt.Printf("key id:    %s\n", key.ID)
			fmt.Printf("key value: %s\n", key.Value)
			fmt.Println("store the value now; it cannot be shown again")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the key (required)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime, e.g. 720h; zero means no expiry")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "granted permissions; defaults to all")
	cmd.Flags().Uint32Var(&rateLimit, "rate-limit", 0, "requests per minute; zero uses the configured default")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAPIKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List key metadata",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, _, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.List()
			if err != nil {
				return &exitError{code: exitSoftware, err: err}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED\tEXPIRES\tUSES\tLAST USED")
			for _, key := range keys {
				expires := "never"
				if key.ExpiresAt != nil {
					expires = key.ExpiresAt.Format(time.RFC3339)
				}
				lastUsed := "-"
				if !key.LastUsed.IsZero() {
					lastUsed = key.LastUsed.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					key.ID, key.Name, key.CreatedAt.Format(time.RFC3339),
					expires, key.UsageCount, lastUsed)
			}
			return w.Flush()
		},
	}
}

func newAPIKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openKeyStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Revoke(cmd.Context(), args[0]); err != nil {
				return &exitError{code: exitSoftware, err: err}
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
}
