package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/idport/idport/internal/config"
	"github.com/idport/idport/internal/keys"
	"github.com/idport/idport/internal/store"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect the published signing keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the public signing keys of the server",
	Long: `Fetches the JWKS document from the server and prints one row per
published key. Only public material is ever served, so this command
needs no authentication.`,
	Example: `  idport keys list
  idport keys list --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}

		raw, err := cli.JWKS(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			fmt.Println(string(raw))
			return nil
		}

		var doc struct {
			Keys []struct {
				KeyID     string `json:"kid"`
				KeyType   string `json:"kty"`
				Algorithm string `json:"alg"`
				Use       string `json:"use"`
				Curve     string `json:"crv"`
			} `json:"keys"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decoding jwks: %w", err)
		}
		if len(doc.Keys) == 0 {
			log.Info().Msg("No signing keys published")
			return nil
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Key ID", "Type", "Algorithm", "Use", "Curve"})

		bold := color.New(color.Bold).SprintFunc()
		for _, k := range doc.Keys {
			t.AppendRow(table.Row{bold(k.KeyID), k.KeyType, k.Algorithm, k.Use, k.Curve})
		}

		s := table.StyleRounded
		s.Format.Header = text.FormatDefault
		t.SetStyle(s)
		t.Render()
		return nil
	},
}

var keysEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Generate missing signing keys for all configured tenants",
	Long: `Opens the configured token store and makes sure every tenant has a
usable EC and RSA signing key, generating and persisting any that are
missing. Safe to run repeatedly; existing keys are never replaced.

RSA key generation can take a few seconds.`,
	Example: `  idport keys ensure -c idport.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Store.Type != "sqlite" {
			return fmt.Errorf("keys ensure requires a persistent store, got %q", cfg.Store.Type)
		}

		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() { _ = st.Close() }()

		for _, tenant := range cfg.Tenants {
			st.SetTenant(tenant.Name, tenant.Issuer, tenant.ExpirySettings())
		}

		manager := keys.NewManager(st, st)
		for _, tenant := range cfg.Tenants {
			if _, err := manager.EnsureKeys(cmd.Context(), tenant.Name); err != nil {
				return fmt.Errorf("ensuring keys for tenant %q: %w", tenant.Name, err)
			}
			log.Info().Str("tenant", tenant.Name).Msg("signing keys present")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)

	keysListCmd.Flags().Bool("json", false, "Print the raw JWKS document")
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysEnsureCmd)
}
