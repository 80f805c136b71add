package main

import (
	"os"

	"github.com/imkarma/tasktree/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
