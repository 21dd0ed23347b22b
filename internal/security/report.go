package security

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// zapRisk maps ZAP riskcode values to their names.
var zapRisk = map[string]string{
	"0": "Informational",
	"1": "Low",
	"2": "Medium",
	"3": "High",
}

type zapReport struct {
	Site []struct {
		Alerts []struct {
			RiskCode string `json:"riskcode"`
		} `json:"alerts"`
	} `json:"site"`
}

type semgrepReport struct {
	Results []struct {
		Extra struct {
			Severity string `json:"severity"`
		} `json:"extra"`
	} `json:"results"`
}

type trivyReport struct {
	Results []struct {
		Vulnerabilities []struct {
			Severity string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ParseReport reads a tool's JSON report and counts findings per severity.
// Severity keys are those of the tool: ZAP High/Medium/Low/Informational,
// Semgrep ERROR/WARNING/INFO, Trivy CRITICAL/HIGH/MEDIUM/LOW/UNKNOWN.
func ParseReport(tool, path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s report", tool)
	}
	counts, err := parse(tool, data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s report %s", tool, path)
	}
	return counts, nil
}

func parse(tool string, data []byte) (map[string]int, error) {
	counts := map[string]int{}
	switch tool {
	case ToolZAP:
		var r zapReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		for _, site := range r.Site {
			for _, a := range site.Alerts {
				name, ok := zapRisk[a.RiskCode]
				if !ok {
					name = "Informational"
				}
				counts[name]++
			}
		}

	case ToolSemgrep:
		var r semgrepReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		for _, res := range r.Results {
			counts[normalizeSeverity(res.Extra.Severity)]++
		}

	case ToolTrivy:
		var r trivyReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		for _, res := range r.Results {
			for _, v := range res.Vulnerabilities {
				counts[normalizeSeverity(v.Severity)]++
			}
		}

	default:
		return nil, errors.Errorf("unknown tool %q", tool)
	}
	return counts, nil
}

func normalizeSeverity(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
