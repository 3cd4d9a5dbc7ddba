package main

import (
	"encoding/json"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"apex/internal/config"
	"apex/internal/events"
	"apex/internal/interaction"
	"apex/internal/logging"
	"apex/internal/store"
)

// newIterateCmd feeds mid-flight refinement into a running daemon's
// store. The daemon picks the iterate event up through the shared
// database; the audit row records who asked.
func newIterateCmd() *cobra.Command {
	var (
		configPath  string
		projectPath string
		feedback    string
		userContext string
		diffOnly    bool
	)

	cmd := &cobra.Command{
		Use:   "iterate <task-id>",
		Short: "Submit feedback to an in-progress task, or show the latest iteration diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, config.WithProjectPath(projectPath))
			if err != nil {
				return err
			}
			st, err := store.OpenFile(cmd.Context(), cfg.DBPath(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			mgr := interaction.NewManager(st, events.NewBus(nil), nil,
				logging.NewComponentLoggerAt("interaction", cfg.Level()))

			command := "iterate"
			params := map[string]any{"feedback": feedback, "context": userContext}
			if diffOnly {
				command = "iteration-diff"
				params = nil
			} else if feedback == "" {
				return fmt.Errorf("--feedback is required unless --diff is set")
			}

			result, err := mgr.SubmitInteraction(cmd.Context(), args[0], command, params, requestedBy())
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "project root (overrides config)")
	cmd.Flags().StringVarP(&feedback, "feedback", "m", "", "refinement instructions for the agent")
	cmd.Flags().StringVar(&userContext, "context", "", "extra context for the iteration")
	cmd.Flags().BoolVar(&diffOnly, "diff", false, "show the latest iteration diff instead of iterating")
	return cmd
}

func requestedBy() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
