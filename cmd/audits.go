package cmd

import (
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var auditsCmd = &cobra.Command{
	Use:   "audits",
	Short: "List the token audit trail",
	Long: `Retrieves the audit trail of token issue, use and revocation events.

This command requires an admin-scoped API token (set IDPORT_TOKEN).`,
	Example: `  idport audits`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := getClient()
		if err != nil {
			return err
		}

		log.Debug().Msg("Fetching audit entries...")
		entries, err := cli.ListAudits(cmd.Context())
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			log.Info().Msg("No audit entries found")
			return nil
		}
		log.Debug().Msgf("Retrieved %d audit entr(ies)", len(entries))

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Time", "Action", "Subject", "Client", "Token ID", "Error"})

		bold := color.New(color.Bold).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		for _, e := range entries {
			subject := ""
			if e.SubjectID != 0 {
				subject = bold(e.SubjectID)
			}
			errText := ""
			if e.Error != "" {
				errText = red(e.Error)
			}
			t.AppendRow(table.Row{
				e.Time.Format(time.RFC3339),
				e.Action,
				subject,
				e.ClientID,
				e.TokenID,
				errText,
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
	rootCmd.AddCommand(auditsCmd)
}
