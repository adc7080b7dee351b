package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyform/skyform/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		planPath    string
		dryRun      bool
		maxParallel int
		lockScope   string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Execute the plan against the providers",
		Long: `Apply computes a plan (or loads one written by "plan --out") and executes
every action in dependency order on a bounded worker pool. Nodes whose
dependencies failed are skipped; completed work is never rolled back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var plan *engine.Plan
			if planPath != "" {
				if plan, err = readPlanFile(planPath); err != nil {
					return err
				}
			} else {
				_, resources, err := loadResources(documentPath)
				if err != nil {
					return err
				}
				if plan, err = engine.NewPlanner(rt.store).Plan(cmd.Context(), resources); err != nil {
					return err
				}
			}

			if !plan.Summary.HasChanges() {
				fmt.Println("No changes. Recorded state matches the desired state.")
				return nil
			}

			exec := engine.NewExecutor(rt.registry, rt.store,
				engine.WithLogger(rt.log.Zerolog()),
				engine.WithJournal(rt.store),
				engine.WithMetrics(rt.metrics),
				engine.WithMaxParallel(maxParallel),
			)

			rt.metrics.RecordApplyStarted()
			report, err := exec.Apply(cmd.Context(), plan, engine.ApplyOptions{
				DryRun:    dryRun,
				LockScope: lockScope,
			})
			if err != nil {
				return err
			}
			recordApplyMetrics(rt, report)

			if jsonOutput {
				if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}

			if report.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("apply %s finished with status %s", report.RunID, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "apply a plan file instead of planning")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the apply without provider or state calls")
	cmd.Flags().IntVar(&maxParallel, "parallel", 10, "maximum concurrently executing nodes")
	cmd.Flags().StringVar(&lockScope, "lock-scope", "default", "advisory lock scope for this target")
	return cmd
}

func recordApplyMetrics(rt *runtime, report *engine.ApplyReport) {
	rt.metrics.RecordApplyCompleted(string(report.Status), report.CompletedAt.Sub(report.StartedAt))
	for _, result := range report.Results {
		rt.metrics.RecordNodeExecution(string(result.Action), string(result.Status), result.Duration)
		if result.Status == engine.NodeStatusFailed {
			rt.metrics.RecordError("node_failed")
		}
	}
}

func printReport(report *engine.ApplyReport) {
	results := make([]*engine.NodeResult, 0, len(report.Results))
	for _, result := range report.Results {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Key.String() < results[j].Key.String()
	})

	fmt.Printf("Apply %s (plan %s)\n\n", report.RunID, report.PlanID)
	for _, result := range results {
		line := fmt.Sprintf("  %-30s %-10s %s", result.Key, result.Action, result.Status)
		if result.Status == engine.NodeStatusSucceeded && result.Duration > 0 {
			line += fmt.Sprintf(" (%s)", result.Duration.Round(time.Millisecond))
		}
		fmt.Println(line)
		if result.Error != "" {
			fmt.Printf("      %s\n", result.Error)
		}
	}
	fmt.Printf("\n%s: %d succeeded, %d failed, %d skipped, %d cancelled\n",
		report.Status, report.Summary.Succeeded, report.Summary.Failed,
		report.Summary.Skipped, report.Summary.Cancelled)
}
