package main

import (
	"os"

	"github.com/sage-x-project/sage-paywall/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
