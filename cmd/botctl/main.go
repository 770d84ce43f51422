package main

import (
	"os"

	"github.com/austindbirch/harborbot/cmd/botctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
