package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"cointracer/internal/core"
)

const defaultListPageSize = 50

func newExpenseCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "expense",
		Aliases: []string{"expenses"},
		Short:   "Record and inspect expenses",
	}
	cmd.AddCommand(newExpenseAddCommand(r))
	cmd.AddCommand(newExpenseListCommand(r))
	cmd.AddCommand(newExpenseRemoveCommand(r))
	return cmd
}

func (r *runner) categoryNames() map[string]string {
	names := map[string]string{}
	for _, c := range r.env.App.Categories() {
		names[c.ID] = c.Name
	}
	return names
}

func newExpenseAddCommand(r *runner) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "add <category> <amount>",
		Short: "Record an expense against a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.lookupCategory(args[0])
			if err != nil {
				return err
			}
			cents, err := core.ParseDecimalToCents(args[1])
			if err != nil {
				return err
			}
			rec, err := r.env.App.AppendExpense(cmd.Context(), c.ID, core.Money{Cents: cents}, note)
			if err != nil {
				return err
			}
			summary, serr := r.env.App.SummaryFor(c.ID)
			return r.formatter(cmd).Success(newExpenseView(rec, r.categoryNames()), func(w io.Writer) {
				fmt.Fprintf(w, "Recorded %s\tin %s\n", rec.Amount, c.Name)
				if serr == nil {
					fmt.Fprintf(w, "Remaining\t%s of %s\n", summary.Remaining, summary.Budget)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&note, "note", "m", "", "optional note")
	return cmd
}

func newExpenseListCommand(r *runner) *cobra.Command {
	var (
		page     int
		pageSize int
		category string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expenses in timestamp order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := r.session(); err != nil {
				return err
			}
			if page < 1 || pageSize < 1 {
				return NewExitError(ExitCommandError, "--page and --page-size must be positive")
			}
			filter := ""
			if category != "" {
				c, err := r.lookupCategory(category)
				if err != nil {
					return err
				}
				filter = c.ID
			}

			var records []core.ExpenseRecord
			if filter == "" {
				n := 0
				for chunk := range r.env.App.ExpensePages(pageSize) {
					if n++; n == page {
						records = chunk
						break
					}
				}
			} else {
				var matched []core.ExpenseRecord
				for _, rec := range r.env.App.Expenses() {
					if rec.CategoryID == filter {
						matched = append(matched, rec)
					}
				}
				start := min((page-1)*pageSize, len(matched))
				records = matched[start:min(start+pageSize, len(matched))]
			}

			names := r.categoryNames()
			views := make([]expenseView, 0, len(records))
			for _, rec := range records {
				views = append(views, newExpenseView(rec, names))
			}
			return r.formatter(cmd).Success(views, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tDATE\tCATEGORY\tAMOUNT\tNOTE")
				for _, v := range views {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Timestamp.Local().Format("2006-01-02 15:04"), v.Category, v.Amount, v.Note)
				}
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", defaultListPageSize, "expenses per page")
	cmd.Flags().StringVarP(&category, "category", "c", "", "only show expenses of this category")
	return cmd
}

func newExpenseRemoveCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.env.App.RemoveExpense(cmd.Context(), args[0]); err != nil {
				return err
			}
			return r.formatter(cmd).Success(map[string]string{"removed": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %s\n", args[0])
			})
		},
	}
}
