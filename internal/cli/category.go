package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"cointracer/internal/core"
)

func newCategoryCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "category",
		Aliases: []string{"categories"},
		Short:   "Manage spending categories and their budgets",
	}
	cmd.AddCommand(newCategoryAddCommand(r))
	cmd.AddCommand(newCategoryListCommand(r))
	cmd.AddCommand(newCategoryUpdateCommand(r))
	cmd.AddCommand(newCategoryRemoveCommand(r))
	return cmd
}

// lookupCategory resolves a category by name, case-insensitively.
func (r *runner) lookupCategory(name string) (core.Category, error) {
	if _, err := r.session(); err != nil {
		return core.Category{}, err
	}
	c, ok := r.env.App.Category(name)
	if !ok {
		return core.Category{}, fmt.Errorf("category %q: %w", name, core.ErrNotFound)
	}
	return c, nil
}

func newCategoryAddCommand(r *runner) *cobra.Command {
	var budget string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := core.ParseBudgetToCents(budget)
			if err != nil {
				return err
			}
			c, err := r.env.App.CreateCategory(cmd.Context(), args[0], core.Money{Cents: cents})
			if err != nil {
				return err
			}
			return r.formatter(cmd).Success(newCategoryView(c), func(w io.Writer) {
				fmt.Fprintf(w, "Created %s\tbudget %s\n", c.Name, c.Budget)
			})
		},
	}
	cmd.Flags().StringVarP(&budget, "budget", "b", "0", "monthly budget, e.g. 200 or 99,50")
	return cmd
}

func newCategoryListCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List categories in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := r.session(); err != nil {
				return err
			}
			cats := r.env.App.Categories()
			views := make([]categoryView, 0, len(cats))
			for _, c := range cats {
				views = append(views, newCategoryView(c))
			}
			return r.formatter(cmd).Success(views, func(w io.Writer) {
				fmt.Fprintln(w, "NAME\tBUDGET")
				for _, c := range cats {
					fmt.Fprintf(w, "%s\t%s\n", c.Name, c.Budget)
				}
			})
		},
	}
}

func newCategoryUpdateCommand(r *runner) *cobra.Command {
	var (
		rename string
		budget string
	)
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Rename a category or change its budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.lookupCategory(args[0])
			if err != nil {
				return err
			}
			var patch core.CategoryPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &rename
			}
			if cmd.Flags().Changed("budget") {
				cents, err := core.ParseBudgetToCents(budget)
				if err != nil {
					return err
				}
				patch.Budget = &core.Money{Cents: cents}
			}
			if patch.Empty() {
				return NewExitError(ExitCommandError, "nothing to update: pass --name or --budget")
			}
			updated, err := r.env.App.UpdateCategory(cmd.Context(), c.ID, patch)
			if err != nil {
				return err
			}
			return r.formatter(cmd).Success(newCategoryView(updated), func(w io.Writer) {
				fmt.Fprintf(w, "Updated %s\tbudget %s\n", updated.Name, updated.Budget)
			})
		},
	}
	cmd.Flags().StringVarP(&rename, "name", "n", "", "new name")
	cmd.Flags().StringVarP(&budget, "budget", "b", "", "new budget")
	return cmd
}

func newCategoryRemoveCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a category",
		Long: `Remove a category.

With CATEGORY_REMOVAL_POLICY=block (default) a category that still has
expenses is kept and the command fails. With cascade its expenses are
removed as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.lookupCategory(args[0])
			if err != nil {
				return err
			}
			if err := r.env.App.RemoveCategory(cmd.Context(), c.ID); err != nil {
				return err
			}
			return r.formatter(cmd).Success(newCategoryView(c), func(w io.Writer) {
				fmt.Fprintf(w, "Removed %s\n", c.Name)
			})
		},
	}
}
