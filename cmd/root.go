package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/idport/idport/internal/buildinfo"
	"github.com/idport/idport/internal/logging"
	"github.com/idport/idport/pkg/client"
)

// global flags
var (
	serverAddr string
	cfgFile    string
)

const (
	LogLevelKey   = "log.level"
	LogFormatKey  = "log.format"
	LogNoColorKey = "log.no_color"

	ServerAddrKey = "addr"
	TokenKey      = "token"
	TenantKey     = "tenant"
)

var rootCmd = &cobra.Command{
	Use:   "idport",
	Short: fmt.Sprintf("idport identity provider (version: %s, commit: %s)", buildinfo.Version, buildinfo.CommitHash),
	Long: `idport is a token-issuing identity provider. It mints and verifies
login, API and OIDC tokens, publishes its signing keys as a JWKS, and
drives the OAuth2 authorization-code flow with PKCE for relying parties.`,
	Version: buildinfo.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(&logging.Options{
			Level:   viper.GetString(LogLevelKey),
			Format:  viper.GetString(LogFormatKey),
			NoColor: viper.GetBool(LogNoColorKey),
		})
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("execution failed")
		os.Exit(1)
	}
}

func init() {
	// setup pre-flag logger
	logging.InitDefault()

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "idport.yaml",
		"Path to the server configuration file")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = viper.BindPFlag(LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	_ = viper.BindPFlag(LogFormatKey, rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().Bool("no-color", false, "Disable color output")
	_ = viper.BindPFlag(LogNoColorKey, rootCmd.PersistentFlags().Lookup("no-color"))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Address of the remote idport server")
	_ = viper.BindPFlag(ServerAddrKey, rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().String("tenant", "", "Tenant to address (default: the server's default tenant)")
	_ = viper.BindPFlag(TenantKey, rootCmd.PersistentFlags().Lookup("tenant"))

	viper.SetEnvPrefix("IDPORT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	viper.AutomaticEnv()

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

// getClient builds an authenticated client for remote operations.
func getClient() (*client.Client, error) {
	server := serverAddr
	if server == "" {
		server = viper.GetString(ServerAddrKey)
	}
	if server == "" {
		return nil, fmt.Errorf("server address not configured (use --server or set IDPORT_ADDR)")
	}

	opts := []client.Option{}
	if token := viper.GetString(TokenKey); token != "" {
		opts = append(opts, client.WithAuthToken(token))
	}
	if tenant := viper.GetString(TenantKey); tenant != "" {
		opts = append(opts, client.WithTenant(tenant))
	}
	return client.New(server, opts...), nil
}
