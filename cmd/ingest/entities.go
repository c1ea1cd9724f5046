package main

import (
	"github.com/spf13/cobra"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List registered entity pipelines",
	Args:  cobra.NoArgs,
	RunE:  runEntities,
}

type entityInfo struct {
	EntityType  string `json:"entityType"`
	PostProcess bool   `json:"postProcess"`
}

func runEntities(cmd *cobra.Command, _ []string) error {
	all := pipeline.All()
	infos := make([]entityInfo, 0, len(all))
	for _, p := range all {
		_, post := p.(pipeline.PostProcessor)
		infos = append(infos, entityInfo{EntityType: p.EntityType(), PostProcess: post})
	}

	w := cmd.OutOrStdout()
	if structured() {
		return printOutput(w, map[string]any{"entities": infos})
	}

	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		post := "no"
		if info.PostProcess {
			post = "yes"
		}
		rows = append(rows, []string{info.EntityType, post})
	}
	printTable(w, []string{"Entity", "Post-process"}, rows)
	return nil
}
