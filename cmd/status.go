package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/retrograph/retrograph/internal/coordinate"
	"github.com/retrograph/retrograph/internal/engine"
	"github.com/retrograph/retrograph/internal/ui"
	"github.com/retrograph/retrograph/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <brief-id>",
	Short: "Show the recorded state of a brief",
	Long: `Status reads the run store and renders what the engine has recorded for a
brief: the current plan version, per-step attempts and check outcomes, and
any escalation tickets.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(GetConfig())
		if err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		defer st.Close()

		return renderStoredStatus(cmd.OutOrStdout(), st, args[0])
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// renderStatus renders a live run snapshot.
func renderStatus(out io.Writer, briefID string, status coordinate.Status) {
	fmt.Fprintln(out, ui.StyleSectionTitle.Render("run "+ui.TruncateID(briefID)))
	fmt.Fprintf(out, " state: %s  plan: v%d  replays: %d\n",
		ui.StepStateStyle(string(status.State)).Render(string(status.State)),
		status.PlanVersion, status.Replays)

	steps := make([]string, 0, len(status.StepStates))
	for id := range status.StepStates {
		steps = append(steps, id)
	}
	sort.Strings(steps)

	tbl := ui.Table{
		Headers: []string{"STEP", "STATE", "DECISIONS"},
		CellStyle: func(col int, value string) (lipgloss.Style, bool) {
			if col == 1 {
				return ui.StepStateStyle(value), true
			}
			return lipgloss.Style{}, false
		},
	}
	for _, id := range steps {
		var decisions []string
		for _, d := range status.Decisions[id] {
			decisions = append(decisions, string(d))
		}
		tbl.Rows = append(tbl.Rows, []string{
			id,
			string(status.StepStates[id]),
			joinOrDash(decisions),
		})
	}
	fmt.Fprint(out, tbl.Render())

	renderTickets(out, status.PendingEscalations)
}

// renderStoredStatus reconstructs a view of the run from the store.
func renderStoredStatus(out io.Writer, st store.RunStore, briefID string) error {
	b, err := st.GetBrief(briefID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no brief %s in the run store", briefID)
		}
		return err
	}

	plan, err := st.LatestPlan(briefID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintln(out, ui.StyleSubtle.Render("brief recorded, no plan yet"))
			return nil
		}
		return err
	}

	fmt.Fprintln(out, ui.StyleSectionTitle.Render("brief "+ui.TruncateID(briefID)))
	fmt.Fprintln(out, " objective: "+ui.StyleTitle.Render(b.Objective))
	fmt.Fprintf(out, " plan: v%d, %d steps\n", plan.Version, len(plan.Contracts))

	tbl := ui.Table{
		Headers: []string{"STEP", "OP", "ATTEMPTS", "FAST", "SLOW"},
		CellStyle: func(col int, value string) (lipgloss.Style, bool) {
			if col >= 3 {
				return ui.CheckOutcomeStyle(value), true
			}
			return lipgloss.Style{}, false
		},
	}
	for _, c := range plan.Contracts {
		obs, err := st.Observations(briefID, c.StepID)
		if err != nil {
			return err
		}
		checks, err := st.Verifications(briefID, c.StepID)
		if err != nil {
			return err
		}
		tbl.Rows = append(tbl.Rows, []string{
			c.StepID,
			c.Op,
			strconv.Itoa(len(obs)),
			lastCheck(checks, engine.PhaseFast),
			lastCheck(checks, engine.PhaseSlow),
		})
	}
	fmt.Fprint(out, tbl.Render())

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
	renderTickets(out, open)
	return nil
}

func renderTickets(out io.Writer, tickets []engine.EscalationTicket) {
	if len(tickets) == 0 {
		return
	}
	fmt.Fprintln(out, ui.StyleWarning.Render(" open escalations:"))
	tbl := ui.Table{
		Headers:  []string{"TICKET", "SEVERITY", "STEP"},
		MaxWidth: 40,
		CellStyle: func(col int, value string) (lipgloss.Style, bool) {
			if col == 1 {
				return ui.SeverityStyle(value), true
			}
			return lipgloss.Style{}, false
		},
	}
	for _, t := range tickets {
		tbl.Rows = append(tbl.Rows, []string{t.ID, string(t.Severity), t.StepID})
	}
	fmt.Fprint(out, tbl.Render())
}

func lastCheck(checks []engine.VerificationResult, phase engine.Phase) string {
	out := "-"
	for _, c := range checks {
		if c.Phase != phase {
			continue
		}
		if c.Passed {
			out = "pass"
		} else {
			out = "FAIL"
		}
	}
	return out
}

func joinOrDash(parts []string) string {
	if len(parts) == 0 {
		return "-"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}
