package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/cli"
)

func main() {
	// MCP clients often launch the server with a minimal environment; a
	// .env next to the working directory fills in the rest. Absence is
	// not an error.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: failed to load .env:", err)
		}
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
