package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"cointracer/internal/core"
)

func newSummaryCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "summary [category]",
		Short: "Show spent and remaining budget per category",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := r.session(); err != nil {
				return err
			}
			var summaries []core.SpendSummary
			if len(args) == 1 {
				s, err := r.env.App.SummaryByName(args[0])
				if err != nil {
					return fmt.Errorf("category %q: %w", args[0], err)
				}
				summaries = []core.SpendSummary{s}
			} else {
				summaries = r.env.App.AllSummaries()
			}

			views := make([]summaryView, 0, len(summaries))
			for _, s := range summaries {
				views = append(views, newSummaryView(s))
			}
			var data any = views
			if len(args) == 1 {
				data = views[0]
			}
			return r.formatter(cmd).Success(data, func(w io.Writer) {
				fmt.Fprintln(w, "CATEGORY\tSPENT\tBUDGET\tREMAINING")
				for _, v := range views {
					flag := ""
					if v.OverBudget {
						flag = "\tover budget"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s%s\n", v.Name, v.Spent, v.Budget, v.Remaining, flag)
				}
			})
		},
	}
}
