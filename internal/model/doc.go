// Package model defines the domain types and value objects for the
// shipctl CLI.
//
// This package contains pure data structures with no external dependencies.
// The entities (Environment, ImageTag, CleanupTarget, StageStatus) live only
// for the duration of a single command invocation; there is no persistent
// state beyond the report files written by the security and pipeline
// commands.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
