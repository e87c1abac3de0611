// Package main is the entry point for the mcpserve server.
package main

import (
	"os"

	"github.com/meridianhq/mcpserve/cmd/mcpserve/app"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
