package main

import (
	"fmt"
	"os"

	"skyflow-batch-tokenizer/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
