package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyform/skyform/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the desired-state document",
		Long: `Validate parses the document, checks every declaration, resolves all
references, and builds the dependency graph. It fails on duplicate
resources, references to undeclared resources, and reference cycles.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, resources, err := loadResources(documentPath)
			if err != nil {
				return err
			}

			graph, err := engine.BuildGraph(resources)
			if err != nil {
				return err
			}

			edges := 0
			for _, node := range graph.Nodes {
				edges += len(node.Dependencies)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"valid":     true,
					"resources": len(graph.Nodes),
					"edges":     edges,
					"levels":    len(graph.Levels),
				})
			}
			fmt.Printf("Document is valid: %d resources, %d edges, %d levels\n",
				len(graph.Nodes), edges, len(graph.Levels))
			return nil
		},
	}
}
