package main

import (
	"fmt"
	"os"

	"gatekeeper/cmd/gatekeeperctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
