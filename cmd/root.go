// Package cmd holds the factgraph CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "factgraph",
		Short: "A fact-derivation engine that turns tabular rows into a graph of facts and derives new facts from declarative patterns",
		Long: `factgraph ingests tabular rows, maps them into graph facts (node labels,
attributes, and relationships), and matches every stored fact against
registered trigger patterns. Matched patterns derive new facts that feed
back into the same pipeline until the graph reaches a fixed point.`,
	}
}
