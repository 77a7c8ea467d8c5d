package main

import (
	"fmt"
	"os"

	"github.com/strao1986/mixer/internal/run"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(run.ExitCode(err))
	}
}
