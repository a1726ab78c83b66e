package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/orchestrator"
	"github.com/fyrsmithlabs/autodevd/internal/store"
	"go.uber.org/zap"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a project's current phase and status",
	Long: `Print the last durably persisted state of a project: overall
status, per-phase progress, and recent evolution cycles.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProject, "project", "", "project id (required)")
	_ = statusCmd.MarkFlagRequired("project")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	st, err := store.New(cfg.State.Root, zap.NewNop())
	if err != nil {
		return err
	}

	project, err := st.GetProject(statusProject)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("project %s not found", statusProject)
	}
	if err != nil {
		return err
	}

	fmt.Printf("project:  %s (%s)\n", project.ID, project.Name)
	fmt.Printf("mode:     %s\n", project.Mode)
	fmt.Printf("status:   %s\n", project.Status)

	phases, err := st.LoadPhases(project.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if len(phases) > 0 {
		fmt.Println("phases:")
		for _, p := range phases {
			line := fmt.Sprintf("  %d. %-16s %s", p.Index+1, p.Name, p.Status)
			if p.Status == orchestrator.PhaseFailed && p.Cause != "" {
				line += " (" + p.Cause + ")"
			}
			fmt.Println(line)
		}
	}

	cycles, err := st.LoadCycles(project.ID)
	if err != nil {
		return err
	}
	if len(cycles) > 0 {
		last := cycles[len(cycles)-1]
		fmt.Printf("evolution: %d cycles, last #%d %s at %s\n",
			len(cycles), last.Seq, last.Outcome, last.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
