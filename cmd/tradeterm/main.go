package main

import (
	"os"

	"github.com/tradeterm/tradeterm/cmd/tradeterm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
