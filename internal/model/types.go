package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Environment identifies a deployment target. Each environment maps to a
// Kubernetes namespace of the same role (see config.EnvironmentSpec).
//
// Only two environments exist:
//
//	dev  ← every build of develop and main
//	hml  ← main only, after dev succeeded (homologation / staging)
type Environment string

const (
	// EnvDev is the integration environment.
	EnvDev Environment = "dev"

	// EnvHML is the homologation (pre-production) environment.
	EnvHML Environment = "hml"
)

// AllEnvironments lists the environments in promotion order.
var AllEnvironments = []Environment{EnvDev, EnvHML}

// String returns the string representation of Environment.
func (e Environment) String() string {
	return string(e)
}

// IsValid checks whether the Environment value is one of the
// predefined environments.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDev, EnvHML:
		return true
	default:
		return false
	}
}

// ParseEnvironment converts a string to an Environment.
// Unlike the status parsers, this is case-sensitive: namespaces are
// lower-case and "DEV" would never match a real namespace.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(s)
	if !env.IsValid() {
		return "", fmt.Errorf("invalid environment: %q (valid: dev, hml)", s)
	}
	return env, nil
}

// tagRegex is the OCI distribution tag grammar.
var tagRegex = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// ValidateImageTag checks that tag is a usable container image tag,
// typically a CI build number or a commit SHA.
func ValidateImageTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("image tag must not be empty")
	}
	if !tagRegex.MatchString(tag) {
		return fmt.Errorf("invalid image tag %q: must match [A-Za-z0-9_][A-Za-z0-9_.-]{0,127}", tag)
	}
	return nil
}

// CleanupTarget names a group of cluster resources the cleanup command can
// remove.
type CleanupTarget string

const (
	CleanupDev        CleanupTarget = "dev"
	CleanupHML        CleanupTarget = "hml"
	CleanupArgoCD     CleanupTarget = "argocd"
	CleanupMonitoring CleanupTarget = "monitoring"
	CleanupJenkins    CleanupTarget = "jenkins"
	CleanupAll        CleanupTarget = "all"
)

// String returns the string representation of CleanupTarget.
func (c CleanupTarget) String() string {
	return string(c)
}

// IsValid checks whether the CleanupTarget value is recognised.
func (c CleanupTarget) IsValid() bool {
	switch c {
	case CleanupDev, CleanupHML, CleanupArgoCD, CleanupMonitoring, CleanupJenkins, CleanupAll:
		return true
	default:
		return false
	}
}

// Expand returns the concrete targets covered by c, in deletion order.
// "all" removes the application namespaces first so that ArgoCD does not
// try to resync them while its own namespace is being torn down.
func (c CleanupTarget) Expand() []CleanupTarget {
	if c == CleanupAll {
		return []CleanupTarget{CleanupDev, CleanupHML, CleanupArgoCD, CleanupMonitoring, CleanupJenkins}
	}
	return []CleanupTarget{c}
}

// ParseCleanupTarget converts a string to a CleanupTarget.
func ParseCleanupTarget(s string) (CleanupTarget, error) {
	target := CleanupTarget(strings.ToLower(s))
	if !target.IsValid() {
		return "", fmt.Errorf("invalid cleanup target: %q (valid: dev, hml, argocd, monitoring, jenkins, all)", s)
	}
	return target, nil
}

// StageStatus represents the lifecycle state of a pipeline stage or step.
//
//	pending → running → succeeded | failed
//	pending → skipped   (gate or condition not met)
//	pending → aborted   (an earlier stage failed)
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
	StatusAborted   StageStatus = "aborted"
)

// String returns the string representation of StageStatus.
func (s StageStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusAborted:
		return true
	default:
		return false
	}
}

// AllowsDependents reports whether a stage in this state lets the stages
// that need it run. Skipped stages do not block: a skipped deploy stage on
// a feature branch must not abort unrelated later stages.
func (s StageStatus) AllowsDependents() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// ParseBool interprets the boolean spellings accepted in environment
// variables and positional flags ("true", "yes", "1", "on", "force").
// Anything else, including the empty string, is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "on", "force":
		return true
	default:
		return false
	}
}

// ExitCode defines standard CLI exit codes. These codes allow CI systems
// to tell a bad argument from a cluster failure from a failed quality gate.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitInvalidArgument indicates a positional argument or flag was
	// rejected before any side effect took place.
	ExitInvalidArgument ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitClusterUnreachable indicates the Kubernetes API could not be
	// configured or contacted.
	ExitClusterUnreachable ExitCode = 4

	// ExitGitError indicates a Git operation failed.
	ExitGitError ExitCode = 5

	// ExitNamespaceNotFound indicates the target namespace or one of the
	// deployments expected in it does not exist.
	ExitNamespaceNotFound ExitCode = 6

	// ExitUserCancelled indicates the user declined a confirmation prompt.
	ExitUserCancelled ExitCode = 7

	// ExitRolloutFailed indicates a deployment did not finish rolling out
	// within the timeout.
	ExitRolloutFailed ExitCode = 8

	// ExitToolFailed indicates a delegated external tool (kubectl, helm,
	// trivy, semgrep, argocd, ...) exited non-zero on a hard-fail step.
	ExitToolFailed ExitCode = 9

	// ExitQualityGateFailed indicates the SonarQube quality gate is red.
	ExitQualityGateFailed ExitCode = 10

	// ExitLintFailed indicates the repository lint found error findings.
	ExitLintFailed ExitCode = 11
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// ExitCodeOf extracts the exit code carried by err. Errors that are not
// (and do not wrap) a CLIError map to ExitGeneralError; nil maps to
// ExitSuccess.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	return ExitGeneralError
}
