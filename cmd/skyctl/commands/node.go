package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skylab-hpc/skylab/cmd/skyctl/config"
	"github.com/skylab-hpc/skylab/pkg/api"
)

// NewNodeCommand creates the node command
func NewNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect compute nodes",
		Long:  "Inspect the compute fleet: node states, occupancy, and reported usage",
	}

	cmd.AddCommand(newNodeListCommand())
	return cmd
}

func newNodeListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeList(cmd)
		},
	}

	cmd.Flags().StringP("class", "c", "", "Filter by capability class")
	return cmd
}

func runNodeList(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	if class, _ := cmd.Flags().GetString("class"); class != "" {
		filtered := nodes[:0]
		for _, node := range nodes {
			if node.Class == class {
				filtered = append(filtered, node)
			}
		}
		nodes = filtered
	}

	out := config.NewOutputter(cfg.Output)
	return out.Render(nodes, nodeHeaders, nodeRows(nodes), "nodes")
}

var nodeHeaders = []string{"ID", "CLASS", "STATE", "SLOTS", "ADDRESS", "CPU%", "MEM%", "LAST HEARTBEAT"}

func nodeRows(nodes []api.NodeResponse) [][]string {
	rows := make([][]string, 0, len(nodes))
	for _, node := range nodes {
		rows = append(rows, []string{
			node.ID,
			node.Class,
			node.State,
			fmt.Sprintf("%d/%d", node.Occupancy, node.Slots),
			node.Address,
			fmt.Sprintf("%.1f", node.CPUPercent),
			fmt.Sprintf("%.1f", node.MemPercent),
			config.FormatTime(node.LastHeartbeat),
		})
	}
	return rows
}
