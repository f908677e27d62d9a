// Command quilora is the entry point for the Quilora retrieval-augmented
// question answering service. It provides a CLI interface (via Cobra) and an
// HTTP server exposing the query and indexing pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/quilora/quilora-go/cmd/quilora/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
