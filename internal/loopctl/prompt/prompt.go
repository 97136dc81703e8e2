// Package prompt assembles the single prompt string sent to an agent
// back-end from a fixed, stably-ordered list of sections (spec ยง4.5).
// Section concatenation and budget trimming follows the style of
// internal/attractor/engine/fidelity_preamble.go's buildFidelityPreamble:
// plain string building, no templating engine.
package prompt

import (
	"fmt"
	"strings"
)

// name identifies a section for drop-priority lookups. The order of this
// list is the section order in the assembled prompt; it must never change
// to fit a budget.
type name string

const (
	contract      name = "contract"
	goal          name = "goal"
	history       name = "history"
	failure       name = "failure"
	selectedNode  name = "selected-node"
	treeSummary   name = "tree-summary"
	assumptions   name = "assumptions"
	questions     name = "questions"
	outputContract name = "output-contract"
)

// dropOrder is the priority order sections are removed in in order to fit
// the byte budget (spec ยง4.5). goal, contract, selected-node, and
// output-contract are never dropped.
var dropOrder = []name{treeSummary, assumptions, questions, history, failure}

// section is one named piece of the prompt. Required sections are always
// present even if their Body is empty; optional sections are omitted
// entirely when Body is empty.
type section struct {
	Name     name
	Body     string
	Required bool
}

// Input carries the raw content for every section. Empty optional fields
// are simply omitted from the assembled prompt.
type Input struct {
	Contract       string
	Goal           string
	History        string
	Failure        string
	SelectedNode   string
	TreeSummary    string
	Assumptions    string
	Questions      string
	OutputContract string
}

// Build assembles the prompt, dropping and truncating sections as needed to
// stay at or under budgetBytes. Only the last section is truncated, so the
// result exceeds budgetBytes when the sections kept before it already do.
// budgetBytes <= 0 means no limit.
func Build(in Input, budgetBytes int) string {
	sections := []section{
		{contract, in.Contract, true},
		{goal, in.Goal, false},
		{history, in.History, false},
		{failure, in.Failure, false},
		{selectedNode, in.SelectedNode, true},
		{treeSummary, in.TreeSummary, false},
		{assumptions, in.Assumptions, false},
		{questions, in.Questions, false},
		{outputContract, in.OutputContract, true},
	}

	present := make([]section, 0, len(sections))
	for _, s := range sections {
		if s.Required || strings.TrimSpace(s.Body) != "" {
			present = append(present, s)
		}
	}

	if budgetBytes <= 0 {
		return render(present)
	}

	for _, drop := range dropOrder {
		if renderLen(present) <= budgetBytes {
			break
		}
		present = removeSection(present, drop)
	}

	if renderLen(present) <= budgetBytes {
		return render(present)
	}

	return render(truncateLast(present, budgetBytes))
}

func removeSection(present []section, n name) []section {
	out := present[:0:0]
	for _, s := range present {
		if s.Name == n {
			continue
		}
		out = append(out, s)
	}
	return out
}

func render(present []section) string {
	var b strings.Builder
	for i, s := range present {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", s.Name, s.Body)
	}
	return b.String()
}

func renderLen(present []section) int {
	return len(render(present))
}

// truncateLast shrinks the last section's body until the whole render fits
// budgetBytes, appending "[truncated]" (spec ยง4.5). If even the empty
// render of every other section already exceeds budget, the last section is
// reduced to just the suffix.
func truncateLast(present []section, budgetBytes int) []section {
	if len(present) == 0 {
		return present
	}
	out := append([]section{}, present...)
	last := &out[len(out)-1]
	const suffix = "\n[truncated]"

	overhead := renderLen(out[:len(out)-1])
	if len(out) > 1 {
		overhead += len("\n\n")
	}
	headerLen := len(fmt.Sprintf("## %s\n\n", last.Name))

	budget := budgetBytes - overhead - headerLen - len(suffix)
	if budget < 0 {
		budget = 0
	}
	body := last.Body
	if len(body) > budget {
		body = body[:budget]
	}
	last.Body = body + suffix
	return out
}
