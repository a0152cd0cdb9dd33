package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/retrograph/retrograph/internal/config"
	"github.com/retrograph/retrograph/internal/engine"
)

var (
	resolveTicketID string
	resolveNote     string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <brief-id>",
	Short: "Resolve an open escalation ticket",
	Long: `Resolve writes a resolution file into the resolutions directory watched by
a running engine. The blocked step re-dispatches once the engine picks the
file up. Without --ticket, open tickets for the brief are listed for
interactive selection.`,
	Args: cobra.ExactArgs(1),
	RunE: resolveTicket,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVarP(&resolveTicketID, "ticket", "t", "", "ticket ID to resolve")
	resolveCmd.Flags().StringVarP(&resolveNote, "note", "n", "", "resolution note")
}

func resolveTicket(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	briefID := args[0]

	ticketID := resolveTicketID
	if ticketID == "" {
		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		defer st.Close()

		tickets, err := st.Tickets(briefID)
		if err != nil {
			return err
		}
		var open []engine.EscalationTicket
		for _, t := range tickets {
			if t.Resolution == engine.ResolutionPending {
				open = append(open, t)
			}
		}
		if len(open) == 0 {
			return fmt.Errorf("no open tickets for brief %s", briefID)
		}

		ticketID, err = selectTicketInteractive(open)
		if err != nil {
			return err
		}
	}

	note := resolveNote
	if note == "" {
		prompt := promptui.Prompt{Label: "Resolution note"}
		entered, err := prompt.Run()
		if err != nil {
			return err
		}
		note = entered
	}

	dir := config.GetResolutionsDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create resolutions dir: %w", err)
	}
	path := filepath.Join(dir, ticketID+".resolved")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(note)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write resolution file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "resolution written: %s\n", path)
	return nil
}

// selectTicketInteractive presents a prompt to select a ticket from a list.
func selectTicketInteractive(tickets []engine.EscalationTicket) (string, error) {
	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}?",
		Active:   `> {{ .ID | cyan }} ({{ .Severity }}, step {{ .StepID }})`,
		Inactive: `  {{ .ID | faint }} ({{ .Severity }}, step {{ .StepID }})`,
		Selected: `{{ "✔" | green }} {{ .ID | faint }}`,
		Details: `
--------- Ticket ----------
{{ "ID:\t" | faint }} {{ .ID }}
{{ "Severity:\t" | faint }} {{ .Severity }}
{{ "Step:\t" | faint }} {{ .StepID }}
{{ "Opened:\t" | faint }} {{ .OpenedAt }}`,
	}

	searcher := func(input string, index int) bool {
		t := tickets[index]
		input = strings.ToLower(input)
		return strings.Contains(strings.ToLower(t.ID), input) ||
			strings.Contains(strings.ToLower(t.StepID), input)
	}

	prompt := promptui.Select{
		Label:     "Select ticket to resolve",
		Items:     tickets,
		Templates: templates,
		Searcher:  searcher,
	}

	i, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return tickets[i].ID, nil
}
