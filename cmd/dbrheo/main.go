// Command dbrheo is a conversational database agent: natural-language
// requests are planned by an LLM and executed through SQL, schema
// discovery, export and ancillary tools against the connected database.
//
// Usage:
//
//	dbrheo chat --database sqlite:///app.db
//	dbrheo query "how many users signed up this week" --database prod
//	dbrheo version
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/dbrheo/dbrheo/pkg/logger"
)

const exitInterrupted = 130

// CLI defines the command-line interface.
type CLI struct {
	Chat    ChatCmd    `cmd:"" default:"1" help:"Start an interactive chat session."`
	Query   QueryCmd   `cmd:"" help:"Run a single prompt and exit."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config         string `short:"c" help:"Path to config file." type:"path"`
	Model          string `short:"m" help:"Model name (gemini-*, claude-*, gpt-*)."`
	Database       string `short:"d" help:"Connection string or saved alias to open at startup."`
	LogLevel       string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile        string `help:"Log file path (empty = stderr)."`
	AutoExecute    bool   `help:"Execute tool calls without confirmation prompts."`
	AllowDangerous bool   `help:"Never gate on risk level. Use with care."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("dbrheo version %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("dbrheo"),
		kong.Description("dbrheo - conversational database agent"),
		kong.UsageOnError(),
	)

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output)

	if err := ctx.Run(&cli); err != nil {
		if err == errInterrupted {
			os.Exit(exitInterrupted)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
