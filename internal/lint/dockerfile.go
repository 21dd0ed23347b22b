package lint

import (
	"bufio"
	"bytes"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/shinji-kodama/shipctl/internal/config"
)

// instruction is one logical Dockerfile line, continuations joined.
type instruction struct {
	Line    int
	Keyword string
	Args    string
}

func parseDockerfile(data []byte) []instruction {
	var (
		out     []instruction
		pending strings.Builder
		start   int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if pending.Len() == 0 && (line == "" || strings.HasPrefix(line, "#")) {
			continue
		}
		if pending.Len() == 0 {
			start = n
		}
		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			pending.WriteString(" ")
			continue
		}
		pending.WriteString(line)

		keyword, args, _ := strings.Cut(strings.TrimSpace(pending.String()), " ")
		out = append(out, instruction{Line: start, Keyword: strings.ToUpper(keyword), Args: strings.TrimSpace(args)})
		pending.Reset()
	}
	return out
}

// checkDockerfiles requires every image to run as a non-root user and to
// declare a HEALTHCHECK. Only the final build stage counts.
func (l *Linter) checkDockerfiles() {
	seen := map[string]bool{}
	for _, d := range l.project.Deployments {
		rel := path.Clean(path.Join(d.Context, d.Dockerfile))
		if d.Dockerfile == "" || seen[rel] {
			continue
		}
		seen[rel] = true

		data, err := os.ReadFile(l.path(rel))
		if err != nil {
			l.errorf(rel, "", "unable to read: %v", err)
			continue
		}
		l.checked(rel)
		l.checkDockerfile(rel, parseDockerfile(data))
	}
}

func (l *Linter) checkDockerfile(rel string, instructions []instruction) {
	// Only the last FROM stage ends up in the image.
	final := instructions
	for i, ins := range instructions {
		if ins.Keyword == "FROM" {
			final = instructions[i:]
		}
	}

	var user, healthcheck *instruction
	for i := range final {
		switch final[i].Keyword {
		case "USER":
			user = &final[i]
		case "HEALTHCHECK":
			healthcheck = &final[i]
		}
	}

	switch {
	case user == nil:
		l.errorf(rel, "USER", "no USER instruction, the image runs as root")
	case isRootUser(user.Args):
		l.errorf(rel, "USER", "line %d: USER %s is root", user.Line, user.Args)
	}

	switch {
	case healthcheck == nil:
		l.warnf(rel, "HEALTHCHECK", "no HEALTHCHECK instruction")
	case strings.EqualFold(strings.TrimSpace(healthcheck.Args), "NONE"):
		l.warnf(rel, "HEALTHCHECK", "line %d: HEALTHCHECK NONE disables the health check", healthcheck.Line)
	}
}

func isRootUser(spec string) bool {
	user, _, _ := strings.Cut(strings.TrimSpace(spec), ":")
	return user == "root" || user == "0"
}

func sortedEnvironments(p *config.Project) []string {
	envs := make([]string, 0, len(p.Environments))
	for e := range p.Environments {
		envs = append(envs, e)
	}
	sort.Strings(envs)
	return envs
}
