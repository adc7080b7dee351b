package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyform/skyform/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the actions needed to reach the desired state",
		Long: `Plan diffs the declared resources against recorded state and classifies
the action for every node: create, update, replace, destroy, or no-op.
Planning never calls providers and never mutates state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			_, resources, err := loadResources(documentPath)
			if err != nil {
				return err
			}

			plan, err := engine.NewPlanner(rt.store).Plan(cmd.Context(), resources)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := writePlanFile(outPath, plan); err != nil {
					return err
				}
				rt.log.Infof("plan %s written to %s", plan.ID, outPath)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(plan)
			}
			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write the plan to this file for a later apply")
	return cmd
}

func writePlanFile(path string, plan *engine.Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing plan file: %w", err)
	}
	return nil
}

func readPlanFile(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("decoding plan file: %w", err)
	}
	return &plan, nil
}

func printPlan(plan *engine.Plan) {
	fmt.Printf("Plan %s\n\n", plan.ID)
	for _, change := range plan.Changes {
		if change.Action == engine.ActionNoOp {
			continue
		}
		fmt.Printf("  %-30s %s\n", change.Key, describeAction(change.Action))
		for _, diff := range change.Diff {
			marker := "~"
			switch {
			case diff.Before == nil:
				marker = "+"
			case diff.After == nil:
				marker = "-"
			case diff.ForcesReplacement:
				marker = "!"
			}
			fmt.Printf("      %s %s\n", marker, diff.Name)
		}
	}
	fmt.Printf("\nSummary: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Replace,
		plan.Summary.Destroy, plan.Summary.NoOp)
	if !plan.Summary.HasChanges() {
		fmt.Println("No changes. Recorded state matches the desired state.")
	}
}

func describeAction(action engine.Action) string {
	switch action {
	case engine.ActionCreate:
		return "create"
	case engine.ActionUpdate:
		return "update in place"
	case engine.ActionReplaceDestroyThenCreate:
		return "replace (destroy then create)"
	case engine.ActionReplaceCreateBeforeDestroy:
		return "replace (create before destroy)"
	case engine.ActionDestroy:
		return "destroy"
	default:
		return string(action)
	}
}
