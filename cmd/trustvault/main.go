package main

import (
	"os"

	"github.com/xela07ax/spaceai-trustvault/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
