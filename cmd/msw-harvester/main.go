package main

import (
	"os"

	"github.com/mswtools/msw-harvester/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
