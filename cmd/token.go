package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/idport/idport/internal/api"
	"github.com/idport/idport/internal/core"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue, inspect and revoke tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new token",
	Long: `Mints a new token through the administrative issue endpoint.

This command requires an admin-scoped API token (set IDPORT_TOKEN).`,
	Example: `  idport token issue --kind api --subject 42 --scope ci --title "build token"
  idport token issue --kind api --subject 42 --never-expires`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}

		kind, _ := cmd.Flags().GetString("kind")
		subjectID, _ := cmd.Flags().GetInt64("subject")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		title, _ := cmd.Flags().GetString("title")
		neverExpires, _ := cmd.Flags().GetBool("never-expires")
		persistent, _ := cmd.Flags().GetBool("persistent")

		result, correlation, err := cli.IssueToken(cmd.Context(), api.IssuePayload{
			Kind:         kind,
			SubjectID:    subjectID,
			Scopes:       scopes,
			Title:        title,
			NeverExpires: neverExpires,
			Persistent:   persistent,
		})
		if err != nil {
			return err
		}
		log.Debug().Str("correlation", correlation).Msg("token issued")

		bold := color.New(color.Bold).SprintFunc()
		fmt.Println(bold(result.AccessToken))
		if result.Expires.IsZero() {
			fmt.Println("expires: never")
		} else {
			fmt.Printf("expires: %s\n", result.Expires.Format(time.RFC3339))
		}
		fmt.Printf("token id: %s\n", result.TokenID)
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a token",
	Long: `Revokes a token immediately. Pass the plaintext token with --token
(plus its --kind), or the record id with --id (admin only).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}

		token, _ := cmd.Flags().GetString("token")
		tokenID, _ := cmd.Flags().GetString("id")
		kind, _ := cmd.Flags().GetString("kind")

		switch {
		case tokenID != "":
			_, err = cli.RevokeTokenByID(cmd.Context(), tokenID)
		case token != "":
			_, err = cli.RevokeToken(cmd.Context(), core.TokenKind(kind), token)
		default:
			return fmt.Errorf("either --token or --id is required")
		}
		if err != nil {
			return err
		}
		log.Info().Msg("token revoked")
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check whether a token is live",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}

		token, _ := cmd.Flags().GetString("token")
		kind, _ := cmd.Flags().GetString("kind")
		if token == "" {
			return fmt.Errorf("--token is required")
		}

		vt, _, err := cli.VerifyToken(cmd.Context(), core.TokenKind(kind), token)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen, color.Bold).SprintFunc()
		fmt.Printf("%s subject=%d", green("valid"), vt.SubjectID)
		if vt.ClientID != "" {
			fmt.Printf(" client=%s", vt.ClientID)
		}
		if len(vt.Scopes) > 0 {
			fmt.Printf(" scopes=%v", vt.Scopes)
		}
		if vt.Expires.IsZero() {
			fmt.Print(" expires=never")
		} else {
			fmt.Printf(" expires=%s", vt.Expires.Format(time.RFC3339))
		}
		fmt.Println()
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently active tokens",
	Long: `Retrieves all currently active (non-expired) token records.

This command requires an admin-scoped API token (set IDPORT_TOKEN).`,
	Example: `  idport token list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}

		log.Debug().Msg("Fetching active tokens...")
		tokens, err := cli.ListActiveTokens(cmd.Context())
		if err != nil {
			return err
		}

		if len(tokens) == 0 {
			log.Info().Msg("No active tokens found")
			return nil
		}
		log.Debug().Msgf("Retrieved %d active token(s)", len(tokens))

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{
			"ID", "Kind", "Subject", "Client", "Issued", "Expires", "Title",
		})

		bold := color.New(color.Bold).SprintFunc()
		faint := color.New(color.Faint).SprintfFunc()

		for _, tok := range tokens {
			expires := "never"
			if !tok.NeverExpires() {
				timeLeft := time.Until(tok.ExpirationDate).Round(time.Minute)
				expires = fmt.Sprintf("%s (%s)",
					tok.ExpirationDate.Format(time.RFC3339), faint(timeLeft.String()))
			}
			t.AppendRow(table.Row{
				tok.ID,
				bold(string(tok.Kind)),
				tok.SubjectID,
				tok.ClientID,
				tok.CreationDate.Format(time.RFC3339),
				expires,
				tok.Title,
			})
		}

		s := table.StyleRounded
		s.Format.Header = text.FormatDefault
		t.SetStyle(s)
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenIssueCmd.Flags().String("kind", string(core.KindAPI), "Token kind (id, api, oidc)")
	tokenIssueCmd.Flags().Int64("subject", 0, "Subject id the token is issued for")
	tokenIssueCmd.Flags().StringSlice("scope", nil, "Scopes to attach")
	tokenIssueCmd.Flags().String("title", "", "Human-readable token title")
	tokenIssueCmd.Flags().Bool("never-expires", false, "Issue a never-expiring token (API kind only)")
	tokenIssueCmd.Flags().Bool("persistent", false, "Use the keep-me-logged-in lifetime (id kind)")
	_ = tokenIssueCmd.MarkFlagRequired("subject")
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenRevokeCmd.Flags().String("token", "", "Plaintext token to revoke")
	tokenRevokeCmd.Flags().String("id", "", "Record id to revoke (admin only)")
	tokenRevokeCmd.Flags().String("kind", string(core.KindAPI), "Kind of the plaintext token")
	tokenCmd.AddCommand(tokenRevokeCmd)

	tokenVerifyCmd.Flags().String("token", "", "Plaintext token to verify")
	tokenVerifyCmd.Flags().String("kind", string(core.KindAPI), "Token kind (id, api, oidc)")
	tokenCmd.AddCommand(tokenVerifyCmd)

	tokenCmd.AddCommand(tokenListCmd)
}
