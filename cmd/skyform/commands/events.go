package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events [run-id]",
		Short: "Show the audit trail of an apply run",
		Long: `Events prints the append-only audit trail of one apply run. Without a
run id, the most recent run is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var runID string
			if len(args) == 1 {
				runID = args[0]
			} else {
				last, err := rt.store.LastRun(cmd.Context())
				if err != nil {
					return err
				}
				if last == nil {
					return fmt.Errorf("no recorded runs")
				}
				runID = last.RunID
			}

			events, err := rt.store.Events(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events recorded for run %s", runID)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}
			for _, event := range events {
				resource := event.Resource
				if resource == "" {
					resource = "-"
				}
				fmt.Printf("%s  %-7s %-30s %s\n",
					event.Timestamp.Format(time.RFC3339), event.Level, resource, event.Message)
			}
			return nil
		},
	}
}
