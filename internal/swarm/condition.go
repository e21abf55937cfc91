package swarm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// parsePredecessorOutput strips a surrounding markdown fence (if any) and
// tries to parse a predecessor's output as JSON; if that fails, it wraps
// the raw text as {text, raw}, per SPEC_FULL.md §4.5 step 4.
func parsePredecessorOutput(output string) any {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"text": output, "raw": output}
}

// evaluateCondition compiles and evaluates expr in a CEL sandbox that only
// exposes `output` (the predecessor's parsed JSON, or {text,raw} wrapper)
// and `raw` (the verbatim predecessor output string) — no arbitrary code
// execution, per SPEC_FULL.md §4.5 step 4's "safe expression surface."
// A compile or eval error is treated the same as a false result by the
// caller: both cause the dependent to be marked skipped.
func evaluateCondition(expr string, predecessorOutput string) (bool, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("raw", cel.StringType),
	)
	if err != nil {
		return false, fmt.Errorf("swarm: building condition environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("swarm: compiling condition %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("swarm: building condition program %q: %w", expr, err)
	}

	out, _, err := prg.Eval(map[string]any{
		"output": parsePredecessorOutput(predecessorOutput),
		"raw":    predecessorOutput,
	})
	if err != nil {
		return false, fmt.Errorf("swarm: evaluating condition %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("swarm: condition %q did not evaluate to a boolean", expr)
	}
	return result, nil
}
