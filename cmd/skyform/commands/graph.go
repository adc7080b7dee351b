package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyform/skyform/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the dependency graph of the declared resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, resources, err := loadResources(documentPath)
			if err != nil {
				return err
			}

			graph, err := engine.BuildGraph(resources)
			if err != nil {
				return err
			}

			if dot {
				fmt.Print(graph.ToDOT())
				return nil
			}

			for level, keys := range graph.Levels {
				fmt.Printf("level %d:\n", level)
				for _, key := range keys {
					node := graph.Nodes[key]
					if len(node.Dependencies) == 0 {
						fmt.Printf("  %s\n", key)
						continue
					}
					fmt.Printf("  %s (after", key)
					for _, dep := range node.Dependencies {
						fmt.Printf(" %s", dep)
					}
					fmt.Println(")")
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "emit Graphviz DOT")
	return cmd
}
