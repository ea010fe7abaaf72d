package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Emprim-Panth/loom/internal/store"
)

func newBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage conversation branches",
	}
	cmd.AddCommand(newBranchAddCmd())
	cmd.AddCommand(newBranchListCmd())
	cmd.AddCommand(newBranchShowCmd())
	cmd.AddCommand(newBranchForkCmd())
	cmd.AddCommand(newBranchPathCmd())
	cmd.AddCommand(newBranchSiblingsCmd())
	cmd.AddCommand(newBranchSetCmd())
	return cmd
}

func newBranchAddCmd() *cobra.Command {
	var treeID, parent, branchType, title, model, snapshot string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a branch under a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if treeID == "" {
				return errors.New("--tree is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			p := store.CreateBranchParams{
				TreeID:          treeID,
				BranchType:      branchType,
				Title:           title,
				Model:           model,
				ContextSnapshot: snapshot,
			}
			if parent != "" {
				p.ParentBranchID = &parent
			}
			b, err := st.CreateBranch(cmd.Context(), p)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s, session %s\n", b.BranchID, b.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&treeID, "tree", "", "Tree id")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent branch id (omit for a root branch)")
	cmd.Flags().StringVar(&branchType, "type", "", "Branch type: conversation, implementation, or exploration")
	cmd.Flags().StringVar(&title, "title", "", "Branch title")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this branch")
	cmd.Flags().StringVar(&snapshot, "context", "", "Context snapshot injected as the branch's first system message")
	return cmd
}

func newBranchListCmd() *cobra.Command {
	var treeID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List branches in a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if treeID == "" {
				return errors.New("--tree is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			_, forest, err := st.GetTree(cmd.Context(), treeID)
			if err != nil {
				return err
			}
			var walk func(b *store.Branch)
			walk = func(b *store.Branch) {
				title := b.Title
				if title == "" {
					title = b.BranchID
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-9s %s\n", b.BranchID, b.BranchType, b.Status, title)
				for _, c := range b.Children {
					walk(c)
				}
			}
			for _, root := range forest {
				walk(root)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&treeID, "tree", "", "Tree id")
	return cmd
}

func newBranchForkCmd() *cobra.Command {
	var at int64
	var content, title string
	cmd := &cobra.Command{
		Use:   "fork <branch-id>",
		Short: "Fork a branch at a message, replacing it with new content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if at == 0 {
				return errors.New("--at is required")
			}
			if content == "" {
				return errors.New("--content is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			b, err := st.ForkBranch(cmd.Context(), store.ForkBranchParams{
				ParentBranchID:  args[0],
				EditedMessageID: at,
				EditedContent:   content,
				Title:           title,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Forked branch %s, session %s\n", b.BranchID, b.SessionID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&at, "at", 0, "Message id to replace; earlier messages are copied into the fork")
	cmd.Flags().StringVar(&content, "content", "", "Replacement user message")
	cmd.Flags().StringVar(&title, "title", "", "Fork title")
	return cmd
}

func newBranchShowCmd() *cobra.Command {
	var messages int
	cmd := &cobra.Command{
		Use:   "show <branch-id>",
		Short: "Print a branch and its recent transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			b, err := st.GetBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Branch   %s\n", b.BranchID)
			_, _ = fmt.Fprintf(out, "Session  %s\n", b.SessionID)
			_, _ = fmt.Fprintf(out, "Tree     %s\n", b.TreeID)
			_, _ = fmt.Fprintf(out, "Type     %s\n", b.BranchType)
			_, _ = fmt.Fprintf(out, "Status   %s\n", b.Status)
			if b.Title != "" {
				_, _ = fmt.Fprintf(out, "Title    %s\n", b.Title)
			}
			if b.Model != "" {
				_, _ = fmt.Fprintf(out, "Model    %s\n", b.Model)
			}
			if b.ParentBranchID != nil {
				_, _ = fmt.Fprintf(out, "Parent   %s\n", *b.ParentBranchID)
			}
			if messages <= 0 {
				return nil
			}
			msgs, err := st.ListMessages(cmd.Context(), b.SessionID, messages)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				_, _ = fmt.Fprintf(out, "\n[%s] %s\n%s\n", m.Role, m.Timestamp.Format("2006-01-02 15:04"), m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&messages, "messages", "n", 0, "Also print up to N transcript messages")
	return cmd
}

func newBranchPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path <branch-id>",
		Short: "Print the root-to-branch ancestor chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			path, err := st.BranchPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for i, b := range path {
				title := b.Title
				if title == "" {
					title = b.BranchID
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d. %s (%s)\n", i+1, title, b.BranchID)
			}
			return nil
		},
	}
	return cmd
}

func newBranchSiblingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "siblings <branch-id>",
		Short: "List branches sharing this branch's parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sibs, err := st.GetSiblings(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, b := range sibs {
				marker := " "
				if b.BranchID == args[0] {
					marker = "*"
				}
				title := b.Title
				if title == "" {
					title = b.BranchID
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", marker, title, b.BranchID)
			}
			return nil
		},
	}
	return cmd
}

func newBranchSetCmd() *cobra.Command {
	var title, summary, status, model string
	var collapsed, expanded bool
	cmd := &cobra.Command{
		Use:   "set <branch-id>",
		Short: "Update branch fields (only the flags you pass change)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var p store.UpdateBranchParams
			if cmd.Flags().Changed("title") {
				p.Title = &title
			}
			if cmd.Flags().Changed("summary") {
				p.Summary = &summary
			}
			if cmd.Flags().Changed("status") {
				p.Status = &status
			}
			if cmd.Flags().Changed("model") {
				p.Model = &model
			}
			if collapsed {
				v := true
				p.Collapsed = &v
			}
			if expanded {
				v := false
				p.Collapsed = &v
			}
			if err := st.UpdateBranch(cmd.Context(), args[0], p); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&summary, "summary", "", "New summary")
	cmd.Flags().StringVar(&status, "status", "", "New status: active, completed, archived, or failed")
	cmd.Flags().StringVar(&model, "model", "", "New model")
	cmd.Flags().BoolVar(&collapsed, "collapse", false, "Collapse the branch in tree views")
	cmd.Flags().BoolVar(&expanded, "expand", false, "Expand the branch in tree views")
	return cmd
}
