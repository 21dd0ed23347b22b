package toolrun

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/shinji-kodama/shipctl/internal/model"
)

// Recorder is a Runner that records commands instead of executing them.
//
// Responses are matched by command prefix (see Respond and Fail); commands
// with no matching response succeed with empty output. When Out is set each
// command is printed to it as "+ <command>", which is the --dry-run output.
//
// Recorder is safe for concurrent use; the pipeline runs stages in parallel.
type Recorder struct {
	// Out receives a line per recorded command when non-nil.
	Out io.Writer

	mu        sync.Mutex
	commands  []Command
	responses []response
}

type response struct {
	prefix string
	out    Output
	err    error
}

// NewRecorder returns a Recorder printing to out (nil to stay silent).
func NewRecorder(out io.Writer) *Recorder {
	return &Recorder{Out: out}
}

// Respond makes commands whose String() starts with prefix return stdout.
// Later registrations take precedence over earlier ones.
func (r *Recorder) Respond(prefix, stdout string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{prefix: prefix, out: Output{Stdout: stdout}})
	return r
}

// Fail makes commands whose String() starts with prefix fail with an
// ExitToolFailed error carrying stderr.
func (r *Recorder) Fail(prefix, stderr string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{
		prefix: prefix,
		out:    Output{Stderr: stderr, ExitCode: 1},
		err:    model.NewCLIError(model.ExitToolFailed, fmt.Sprintf("%s failed (exit 1): %s", prefix, stderr)),
	})
	return r
}

// Run records cmd and returns the matching canned response.
func (r *Recorder) Run(_ context.Context, cmd Command) (Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands = append(r.commands, cmd)
	if r.Out != nil {
		fmt.Fprintf(r.Out, "+ %s\n", cmd.String())
	}

	line := cmd.String()
	for i := len(r.responses) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, r.responses[i].prefix) {
			return r.responses[i].out, r.responses[i].err
		}
	}
	return Output{}, nil
}

// Commands returns a copy of every recorded command in call order.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Lines returns the recorded commands rendered with Command.String.
func (r *Recorder) Lines() []string {
	cmds := r.Commands()
	lines := make([]string, len(cmds))
	for i, c := range cmds {
		lines[i] = c.String()
	}
	return lines
}

// Matching returns the recorded command lines starting with prefix.
func (r *Recorder) Matching(prefix string) []string {
	var out []string
	for _, l := range r.Lines() {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}
