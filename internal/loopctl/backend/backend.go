// Package backend implements the external agent back-end process contract
// (spec ยง6): spawn with a wall-clock deadline, stream NDJSON events off
// stdout, drain stdout/stderr concurrently, and read back the final
// structured output file. NDJSON parsing follows the closed event taxonomy
// of spec ยง6/Design Notes and is grounded on
// internal/attractor/engine/cli_stream_parser.go's line-oriented scanning
// and type-dispatch style.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loopctl/loopctl/internal/loopctl/procexec"
)

// EventKind is the closed set of stream events the core interprets.
// Anything else is preserved verbatim in Event.Raw but tagged Unknown
// (spec ยง6: "unknown events are logged verbatim and ignored").
type EventKind string

const (
	TurnStart      EventKind = "turn_start"
	TurnComplete   EventKind = "turn_complete"
	ReasoningDelta EventKind = "reasoning_delta"
	CommandBegin   EventKind = "command_begin"
	CommandOutput  EventKind = "command_output"
	CommandEnd     EventKind = "command_end"
	FinalMessage   EventKind = "final_message"
	Unknown        EventKind = "unknown"
)

var knownKinds = map[string]EventKind{
	"turn_start":      TurnStart,
	"turn_complete":   TurnComplete,
	"reasoning_delta": ReasoningDelta,
	"command_begin":   CommandBegin,
	"command_output":  CommandOutput,
	"command_end":     CommandEnd,
	"final_message":   FinalMessage,
}

// Event is one parsed NDJSON line.
type Event struct {
	Kind EventKind
	Raw  json.RawMessage
}

// Spec describes one agent dispatch.
type Spec struct {
	Argv             []string
	Dir              string
	Prompt           string
	OutputSchemaPath string
	OutputPath       string
	Deadline         time.Time
	MaxLogBytes      int
}

// Result is what the agent package needs to validate the dispatch and
// persist iteration artifacts.
type Result struct {
	Events     []Event
	StreamRaw  [][]byte // raw NDJSON lines, in order, for stream.jsonl
	Log        string   // combined stdout+stderr, capped, "=== stdout ===" / "=== stderr ===" framed
	ExitCode   int
	TimedOut   bool
	RunErr     error
	OutputJSON []byte // contents of OutputPath, nil if the back-end never wrote it
}

// Run spawns the back-end, feeds Prompt on stdin alongside environment
// variables pointing at the schema and output paths, and parses every
// stdout line as an NDJSON event.
func Run(ctx context.Context, spec Spec) (Result, error) {
	env := append(os.Environ(),
		"LOOPCTL_OUTPUT_SCHEMA_PATH="+spec.OutputSchemaPath,
		"LOOPCTL_OUTPUT_PATH="+spec.OutputPath,
	)

	procRes, err := procexec.Run(ctx, procexec.Spec{
		Argv:      spec.Argv,
		Dir:       spec.Dir,
		Env:       env,
		Stdin:     bytes.NewReader([]byte(spec.Prompt)),
		Deadline:  spec.Deadline,
		MaxStdout: spec.MaxLogBytes,
		MaxStderr: spec.MaxLogBytes,
	})
	if err != nil {
		return Result{}, fmt.Errorf("backend: %w", err)
	}

	events, rawLines := parseStream(procRes.Stdout)

	var outputJSON []byte
	if spec.OutputPath != "" {
		if b, err := os.ReadFile(spec.OutputPath); err == nil {
			outputJSON = b
		}
	}

	return Result{
		Events:     events,
		StreamRaw:  rawLines,
		Log:        formatLog(procRes.Stdout, procRes.Stderr),
		ExitCode:   procRes.ExitCode,
		TimedOut:   procRes.TimedOut,
		RunErr:     procRes.RunErr,
		OutputJSON: outputJSON,
	}, nil
}

func parseStream(stdout []byte) ([]Event, [][]byte) {
	var events []Event
	var raw [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte{}, line...)
		raw = append(raw, lineCopy)

		var envelope struct {
			Type string `json:"type"`
		}
		kind := Unknown
		if err := json.Unmarshal(line, &envelope); err == nil {
			if k, ok := knownKinds[envelope.Type]; ok {
				kind = k
			}
		}
		events = append(events, Event{Kind: kind, Raw: json.RawMessage(lineCopy)})
	}
	return events, raw
}

func formatLog(stdout, stderr []byte) string {
	return fmt.Sprintf("=== stdout ===\n%s\n=== stderr ===\n%s", stdout, stderr)
}
