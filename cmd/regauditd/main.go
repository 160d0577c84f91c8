package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/regaudit/internal/cli"
	"github.com/cloo-solutions/regaudit/internal/cli/admin"
)

func main() {
	rootCmd := admin.RootCmd()

	if target, ok := cli.HelpJSONTarget(rootCmd, os.Args[1:]); ok {
		if err := cli.WriteSchema(os.Stdout, target); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"serve"})
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
