// Package main is the entry point for the taskflow CLI.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// globalCreds holds loaded credentials (file > env fallback happens in apiKey)
var globalCreds *credentials.Credentials

func init() {
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}

	// Load .env for any additional env vars
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("taskflow"),
		kong.Description("Run dependency-ordered workflows of model, shell, HTTP and tool tasks."),
		kong.UsageOnError(),
		kong.Vars(kongVars()),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
