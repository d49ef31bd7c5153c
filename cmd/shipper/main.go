// Package main is the entry point for the shipper application.
package main

import (
	"os"

	"github.com/jmylchreest/shipper/cmd/shipper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
