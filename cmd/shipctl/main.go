// Package main is the entry point for the shipctl CLI.
//
// shipctl bootstraps the local Kubernetes cluster, promotes images to the
// dev and hml environments, runs the security scans and drives the CI
// pipeline. It delegates all functionality to the internal/cli package.
//
// Build-time variables (version, commit, date) are injected via ldflags
// by GoReleaser during the release process.
package main

import (
	"github.com/shinji-kodama/shipctl/internal/cli"
)

// version, commit, and date are set by GoReleaser at build time
// via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
