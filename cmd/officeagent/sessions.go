package main

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nstogner/officeagent/pkg/config"
	"github.com/nstogner/officeagent/pkg/domain"
)

func newSessionsCmd(load func() (*config.Config, error)) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			var statuses []domain.SessionStatus
			if status != "" {
				statuses = append(statuses, domain.SessionStatus(status))
			}
			sessions, err := st.ListSessions(context.Background(), statuses...)
			if err != nil {
				return err
			}
			renderSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list sessions with this status (idle, processing, ended)")
	return cmd
}

func renderSessions(w io.Writer, sessions []domain.Session) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Status", "Files", "Updated"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, s := range sessions {
		names := make([]string, len(s.FileRefs))
		for i, f := range s.FileRefs {
			names[i] = filepath.Base(f.Path)
		}
		table.Append([]string{s.ID, string(s.Status), strings.Join(names, ", "), s.UpdatedAt.Format(time.RFC822)})
	}
	table.Render()
}
