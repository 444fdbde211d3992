package main

import (
	"os"

	"lv-tradecore/cmd/tradecore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
