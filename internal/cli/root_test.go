package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/shipctl/internal/model"
)

func TestMain(m *testing.M) {
	// Assertions compare plain text.
	configureColor(false)
	os.Exit(m.Run())
}

// withJSON switches the --json flag on for the duration of a test.
func withJSON(t *testing.T) {
	t.Helper()
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode model.ExitCode
		wantText string
	}{
		{
			name:     "nil error",
			err:      nil,
			wantCode: model.ExitSuccess,
			wantText: "",
		},
		{
			name:     "plain error exits 1",
			err:      errors.New("boom"),
			wantCode: model.ExitGeneralError,
			wantText: "Error: boom\n",
		},
		{
			name:     "cli error with cause",
			err:      model.WrapCLIError(model.ExitClusterUnreachable, "cluster unreachable", errors.New("dial tcp: refused")),
			wantCode: model.ExitClusterUnreachable,
			wantText: "Error: cluster unreachable: dial tcp: refused\n",
		},
		{
			name:     "wrapped cli error keeps its code",
			err:      errors.Wrap(model.NewCLIError(model.ExitNamespaceNotFound, "namespace hml does not exist"), "deploy"),
			wantCode: model.ExitNamespaceNotFound,
			wantText: "Error: deploy: namespace hml does not exist\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			code := reportError(&buf, tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantText, buf.String())
		})
	}
}

func TestReportError_JSON(t *testing.T) {
	withJSON(t)

	var buf bytes.Buffer
	code := reportError(&buf, model.WrapCLIError(model.ExitDockerNotRunning, "docker is not running", errors.New("no socket")))
	assert.Equal(t, model.ExitDockerNotRunning, code)

	var out struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "docker is not running", out.Error.Message)
	assert.Equal(t, "no socket", out.Error.Detail)
}

func TestRootCommand_InvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"deploy without tag", []string{"deploy", "dev"}},
		{"gate without branch", []string{"gate"}},
		{"cleanup with extra arguments", []string{"cleanup", "dev", "force", "now"}},
		{"unknown flag", []string{"gate", "main", "--bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewRootCommand()
			// Skip setup so the test does not read the working directory.
			root.PersistentPreRunE = nil
			root.SetArgs(tt.args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})

			err := root.Execute()
			require.Error(t, err)
			assert.Equal(t, model.ExitInvalidArgument, model.ExitCodeOf(err))
		})
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{
		"setup-cluster", "deploy", "test-security", "cleanup", "gate",
		"pipeline", "lint", "smoke", "status", "sync", "bump", "version",
	} {
		assert.Contains(t, names, want)
	}
}

func TestRunGate(t *testing.T) {
	tests := []struct {
		branch string
		want   string
	}{
		{"develop", "Branch \"develop\" deploys to: dev\n"},
		{"origin/main", "Branch \"main\" deploys to: dev, hml\n"},
		{"feature/login", "Branch \"feature/login\" does not deploy.\n"},
	}

	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, runGate(&buf, tt.branch))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestRunGate_JSON(t *testing.T) {
	withJSON(t)

	var buf bytes.Buffer
	require.NoError(t, runGate(&buf, "refs/heads/main"))

	var out gateResultJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "main", out.Branch)
	assert.Equal(t, []model.Environment{model.EnvDev, model.EnvHML}, out.Environments)
}

func TestRunGate_EmptyBranch(t *testing.T) {
	err := runGate(&bytes.Buffer{}, "refs/heads/")
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidArgument, model.ExitCodeOf(err))
}

func TestPrintVersion(t *testing.T) {
	Version, Commit, Date = "1.2.3", "abc1234", "2026-01-02"
	t.Cleanup(func() { Version, Commit, Date = "dev", "none", "unknown" })

	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "shipctl 1.2.3 (commit: abc1234, built: 2026-01-02")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond+300*time.Microsecond))
	assert.Equal(t, "1.5s", formatDuration(1540*time.Millisecond))
	assert.Equal(t, "2m3.4s", formatDuration(2*time.Minute+3420*time.Millisecond))
}
