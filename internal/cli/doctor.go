package cli

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/Emprim-Panth/loom/internal/config"
	"github.com/Emprim-Panth/loom/internal/store"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies and local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			cfg, err := config.Load(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
				cfg = &config.Config{}
			}

			if cfg.CLI.Binary != "" {
				if _, err := exec.LookPath(cfg.CLI.Binary); err != nil {
					problems = append(problems, fmt.Sprintf("cli provider: %q not found on PATH", cfg.CLI.Binary))
				}
			}

			// git backs the direct provider's pre-tool checkpoints.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			st, err := store.Open(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("store: %v", err))
			} else {
				if _, err := st.ListTrees(cmd.Context()); err != nil {
					problems = append(problems, fmt.Sprintf("store query: %v", err))
				}
				_ = st.Close()
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
