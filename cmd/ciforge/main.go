package main

import (
	"os"

	"github.com/ciforge/ciforge/cmd/ciforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
