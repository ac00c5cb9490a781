package main

import (
	"os"

	"github.com/goip-relay/goip-relay/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
