package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Emprim-Panth/loom/internal/config"
	"github.com/Emprim-Panth/loom/internal/store"
)

func newTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Manage conversation trees",
	}
	cmd.AddCommand(newTreeListCmd())
	cmd.AddCommand(newTreeAddCmd())
	cmd.AddCommand(newTreeShowCmd())
	cmd.AddCommand(newTreeRenameCmd())
	cmd.AddCommand(newTreeRemoveCmd())
	cmd.AddCommand(newTreeArchiveCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	return store.Open(home)
}

func newTreeListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trees, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			trees, err := st.ListTrees(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range trees {
				if project != "" && t.Project != project {
					continue
				}
				flag := ""
				if t.Archived {
					flag = " [archived]"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s (%d branches)%s\n", t.TreeID, t.Name, t.BranchCount, flag)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Only trees in this project")
	return cmd
}

func newTreeAddCmd() *cobra.Command {
	var name, project, workdir, model string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a tree with a root branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tree, err := st.CreateTree(cmd.Context(), name, project, workdir)
			if err != nil {
				return err
			}
			root, err := st.CreateBranch(cmd.Context(), store.CreateBranchParams{
				TreeID: tree.TreeID,
				Title:  name,
				Model:  model,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created tree %q (%s)\n", tree.Name, tree.TreeID)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Root branch %s, session %s\n", root.BranchID, root.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Tree name")
	cmd.Flags().StringVar(&project, "project", "", "Project the tree belongs to")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory for turns and jobs in this tree")
	cmd.Flags().StringVar(&model, "model", "", "Model for the root branch")
	return cmd
}

func newTreeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <tree-id>",
		Short: "Print a tree's branch forest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tree, forest, err := st.GetTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", tree.Name, tree.TreeID)
			for _, root := range forest {
				printBranch(cmd, root, 0)
			}
			return nil
		},
	}
	return cmd
}

func printBranch(cmd *cobra.Command, b *store.Branch, depth int) {
	title := b.Title
	if title == "" {
		title = b.BranchID
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s- %s [%s/%s] %s\n",
		strings.Repeat("  ", depth), title, b.BranchType, b.Status, b.BranchID)
	for _, c := range b.Children {
		printBranch(cmd, c, depth+1)
	}
}

func newTreeRenameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename <tree-id> <name>",
		Short: "Rename a tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.RenameTree(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}

func newTreeRemoveCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove <tree-id>",
		Short: "Delete a tree and every branch, message, and binding under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.DeleteTree(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newTreeArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <project>",
		Short: "Archive every active tree in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := st.ArchiveProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "archived %d trees\n", n)
			return nil
		},
	}
	return cmd
}
