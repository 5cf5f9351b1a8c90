package main

import (
	"context"
	"fmt"
	"os"

	"idlink/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "idlink: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
