package main

import (
	"fmt"
	"os"

	"github.com/avolkhov/wgfence/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wgfence: %v\n", err)
		os.Exit(1)
	}
}
