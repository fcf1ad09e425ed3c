// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run         RunCmd         `cmd:"" help:"Run a workflow"`
	Validate    ValidateCmd    `cmd:"" help:"Validate a workflow without running it"`
	Inspect     InspectCmd     `cmd:"" help:"Show execution order and dependencies"`
	Replay      ReplayCmd      `cmd:"" help:"Replay a trace file for after-the-fact analysis"`
	Transcripts TranscriptsCmd `cmd:"" help:"Show recorded agent transcripts of a run"`
	Version     VersionCmd     `cmd:"" help:"Show version information"`
}

// RunCmd executes a workflow file.
type RunCmd struct {
	File        string            `short:"f" default:"workflow.yaml" help:"Workflow file path"`
	Input       map[string]string `short:"i" help:"Input key=value (repeatable)"`
	Config      string            `help:"Config file path (default: ./taskflow.toml)"`
	MaxParallel int               `help:"Max concurrently running tasks (overrides workflow and config)"`
	FailFast    bool              `help:"Stop the whole run on the first task failure"`
	Watch       bool              `short:"w" help:"Re-run whenever the workflow file changes"`
	Debug       bool              `help:"Log full prompts, responses and tool output"`
	JSON        bool              `name:"json" help:"Print the run result as JSON"`
}

// ValidateCmd checks a workflow for duplicate ids, unresolved references
// and cycles.
type ValidateCmd struct {
	File string `arg:"" optional:"" default:"workflow.yaml" help:"Workflow file path"`
}

// InspectCmd prints the execution order of a workflow.
type InspectCmd struct {
	File string `arg:"" optional:"" default:"workflow.yaml" help:"Workflow file path"`
}

// ReplayCmd renders a recorded trace.
type ReplayCmd struct {
	Trace      string `arg:"" optional:"" help:"Trace file (default: trace.file from config)"`
	Config     string `help:"Config file path (default: ./taskflow.toml)"`
	RunID      string `name:"run" help:"Only show this run id"`
	Verbose    int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	Follow     bool   `short:"F" help:"Keep printing events as they are appended"`
	Width      int    `default:"100" help:"Wrap width for content blocks"`
	MaxContent int    `default:"4096" help:"Max bytes of content per event (0 = unlimited)"`
}

// TranscriptsCmd lists agent transcripts stored for a run.
type TranscriptsCmd struct {
	RunID  string `arg:"" help:"Run id"`
	Config string `help:"Config file path (default: ./taskflow.toml)"`
	Task   string `help:"Only show this task"`
	Full   bool   `help:"Print every turn's content"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
