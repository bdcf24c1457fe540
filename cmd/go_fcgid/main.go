package main

import (
	"context"
	"fmt"
	"os"

	"github.com/andrei-cloud/go_fcgid/internal/commands/cli"
)

// main builds the command tree and runs it.
func main() {
	root, err := cli.NewRootCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
