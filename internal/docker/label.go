package docker

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// Label keys persisted on every container shipctl starts. Labels are the
// only record of these containers; there is no state file.
//
// All keys share the "shipctl." prefix to avoid collisions with labels set
// by other tools (Docker Compose, CI agents, ...).
const (
	LabelPrefix = "shipctl."

	// LabelManagedBy identifies shipctl containers and is the filter used
	// by cleanup. Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelTool is the scanner run in the container (e.g. "zap").
	LabelTool = LabelPrefix + "tool"

	// LabelTarget is the URL or image being scanned.
	LabelTarget = LabelPrefix + "target"

	// LabelRunID ties the container to a pipeline run.
	LabelRunID = LabelPrefix + "run-id"

	// LabelCreatedAt is an RFC3339 UTC timestamp.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value of LabelManagedBy.
const ManagedByValue = "shipctl"

// ScannerContainer is a shipctl-managed container as found on the host.
type ScannerContainer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tool      string    `json:"tool"`
	Target    string    `json:"target"`
	RunID     string    `json:"runId,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// BuildLabels returns the label set for a scanner container.
// runID may be empty for ad-hoc "test-security" runs.
func BuildLabels(tool, target, runID string, createdAt time.Time) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelTool:      tool,
		LabelTarget:    target,
		LabelCreatedAt: createdAt.UTC().Format(time.RFC3339),
	}
	if runID != "" {
		labels[LabelRunID] = runID
	}
	return labels
}

// ParseLabels is the inverse of BuildLabels. It fails when the container
// is not managed by shipctl or a required label is missing.
func ParseLabels(labels map[string]string) (ScannerContainer, error) {
	var missing []string
	for _, key := range []string{LabelManagedBy, LabelTool, LabelTarget, LabelCreatedAt} {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return ScannerContainer{}, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return ScannerContainer{}, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return ScannerContainer{}, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return ScannerContainer{
		Tool:      labels[LabelTool],
		Target:    labels[LabelTarget],
		RunID:     labels[LabelRunID],
		CreatedAt: createdAt,
	}, nil
}

// managedFilter selects shipctl containers server-side.
func managedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue))
}

// summaryToScanner maps an Engine API summary to ScannerContainer. Labels
// that fail to parse still yield an entry so cleanup can remove it.
func summaryToScanner(s container.Summary) ScannerContainer {
	sc, err := ParseLabels(s.Labels)
	if err != nil {
		sc = ScannerContainer{Tool: s.Labels[LabelTool], Target: s.Labels[LabelTarget]}
	}
	sc.ID = s.ID
	sc.State = string(s.State)
	if len(s.Names) > 0 {
		// The API reports names with a leading "/".
		sc.Name = strings.TrimPrefix(s.Names[0], "/")
	}
	return sc
}
