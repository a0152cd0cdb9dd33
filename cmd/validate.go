package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/retrograph/retrograph/internal/brief"
	"github.com/retrograph/retrograph/internal/planner"
	"github.com/retrograph/retrograph/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:   "validate <brief-file>",
	Short: "Validate a brief file and its declared plan",
	Long: `Validate parses a brief file and, when it declares steps, compiles and
checks the resulting plan: DAG well-formedness, contract completeness, and
cost against the brief's constraints. Nothing is executed or persisted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateBriefFile(cmd.OutOrStdout(), afero.NewOsFs(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateBriefFile(out io.Writer, fs afero.Fs, path string) error {
	bf, err := brief.Load(fs, path)
	if err != nil {
		return err
	}

	if len(bf.Steps) == 0 {
		fmt.Fprintln(out, ui.StyleWarning.Render("brief valid; no steps declared, a generative planner will be used"))
		return nil
	}

	b := bf.Brief()
	plan, err := planner.NewTemplatePlanner(bf.Steps).Propose(context.Background(), b)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s plan v%d compiles: %d steps, %d leaves\n",
		ui.StyleSuccess.Render("valid:"), plan.Version, len(plan.Contracts), len(plan.Leaves()))
	return nil
}
