package main

import (
	"fmt"
	"os"

	"github.com/hurricanerix/weave-compute/internal/cmd"
	"github.com/hurricanerix/weave-compute/internal/output"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(output.ExitError)
	}
}
