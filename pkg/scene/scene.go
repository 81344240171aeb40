// Package scene holds the context package injected into a phase's
// instructions for one submission.
package scene

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ContextPackage is the world context for one turn. Build it with New; it
// is not modified afterwards.
type ContextPackage struct {
	SceneSummary     string
	RelevantEntities map[string]string
	MissingEntities  []string // sorted, no duplicates
	RecentEvents     []string
	Recommendations  []string
}

// New copies its inputs and normalises MissingEntities into a sorted set.
func New(summary string, relevant map[string]string, missing, events, recommendations []string) ContextPackage {
	pkg := ContextPackage{
		SceneSummary:    strings.TrimSpace(summary),
		RecentEvents:    slices.Clone(events),
		Recommendations: slices.Clone(recommendations),
	}
	if len(relevant) > 0 {
		pkg.RelevantEntities = make(map[string]string, len(relevant))
		for k, v := range relevant {
			pkg.RelevantEntities[k] = v
		}
	}
	if len(missing) > 0 {
		set := slices.Clone(missing)
		slices.Sort(set)
		pkg.MissingEntities = slices.Compact(set)
	}
	return pkg
}

// Empty is the package used for self-contained phases and on failure.
func Empty() ContextPackage {
	return ContextPackage{}
}

func (p ContextPackage) IsEmpty() bool {
	return p.SceneSummary == "" &&
		len(p.RelevantEntities) == 0 &&
		len(p.MissingEntities) == 0 &&
		len(p.RecentEvents) == 0 &&
		len(p.Recommendations) == 0
}

// Render formats the package as a plain-text block for the instructions.
// An empty package renders as "".
func (p ContextPackage) Render() string {
	if p.IsEmpty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Current world context:\n")
	if p.SceneSummary != "" {
		sb.WriteString("Scene: " + p.SceneSummary + "\n")
	}
	if len(p.RelevantEntities) > 0 {
		sb.WriteString("Known entities:\n")
		names := make([]string, 0, len(p.RelevantEntities))
		for n := range p.RelevantEntities {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", n, p.RelevantEntities[n]))
		}
	}
	if len(p.MissingEntities) > 0 {
		sb.WriteString("Not yet established (invent consistently or ask): " + strings.Join(p.MissingEntities, ", ") + "\n")
	}
	if len(p.RecentEvents) > 0 {
		sb.WriteString("Recent events:\n")
		for _, e := range p.RecentEvents {
			sb.WriteString("- " + e + "\n")
		}
	}
	if len(p.Recommendations) > 0 {
		sb.WriteString("Guidance:\n")
		for _, r := range p.Recommendations {
			sb.WriteString("- " + r + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
