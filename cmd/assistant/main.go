package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/maga-orchestrator/internal/cli"
)

// version is set at build time: -ldflags "-X main.version=1.2.0"
var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if version != "dev" {
		cli.Version = version
	}
	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
