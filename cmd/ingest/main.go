package main

import (
	"errors"
	"fmt"
	"os"

	// Entity pipelines register themselves in init().
	_ "github.com/goldenknightlounge/fantasy-ingest/entities/leagues"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var rf *runFailedError
		if errors.As(err, &rf) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
