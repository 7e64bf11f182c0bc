package dispatcher

import (
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/fluxtopus/fluxos-sub009/domain"
)

// deniedSubstrings rejects expressions that even hint at something
// beyond the whitelist (spec §4.6: "no arbitrary name resolution, no
// import, no dunder access, no function calls beyond the whitelist").
// expr-lang has no import statement and no reflection-based dunder
// access to begin with; this is a defense-in-depth pre-check on the raw
// source, ahead of compilation, for B3 (dangerous expressions return
// the step's default, never execute).
var deniedSubstrings = []string{"__", "import", "exec(", "os.", "syscall", "unsafe", "`", "\\x"}

// allowedBranchFuncs is the whitelist of safe built-ins spec §4.6 names:
// len, str, int, abs, min, max. expr-lang's own builtins are untouched
// (they run inside its VM sandbox, no host access), these are the
// module-specific helpers exposed to branch expressions as extra
// functions alongside the environment's comparisons/boolean ops.
func allowedBranchFuncs() []expr.Option {
	return []expr.Option{
		expr.Function("len", func(params ...interface{}) (interface{}, error) {
			if len(params) != 1 {
				return nil, nil
			}
			switch v := params[0].(type) {
			case string:
				return len(v), nil
			case []interface{}:
				return len(v), nil
			case map[string]interface{}:
				return len(v), nil
			default:
				return 0, nil
			}
		}),
		expr.Function("str", func(params ...interface{}) (interface{}, error) {
			if len(params) != 1 {
				return "", nil
			}
			return toDisplayString(params[0]), nil
		}),
		expr.Function("int", func(params ...interface{}) (interface{}, error) {
			if len(params) != 1 {
				return 0, nil
			}
			f, _ := toFloat(params[0])
			return int(f), nil
		}),
		expr.Function("abs", func(params ...interface{}) (interface{}, error) {
			f, _ := toFloat(firstOrZero(params))
			if f < 0 {
				f = -f
			}
			return f, nil
		}),
		expr.Function("min", func(params ...interface{}) (interface{}, error) {
			return minMax(params, true), nil
		}),
		expr.Function("max", func(params ...interface{}) (interface{}, error) {
			return minMax(params, false), nil
		}),
	}
}

func firstOrZero(params []interface{}) interface{} {
	if len(params) == 0 {
		return 0
	}
	return params[0]
}

func minMax(params []interface{}, wantMin bool) float64 {
	if len(params) == 0 {
		return 0
	}
	best, _ := toFloat(params[0])
	for _, p := range params[1:] {
		f, ok := toFloat(p)
		if !ok {
			continue
		}
		if (wantMin && f < best) || (!wantMin && f > best) {
			best = f
		}
	}
	return best
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toDisplayString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.TrimSpace(strconvQuoteFallback(v))
}

func strconvQuoteFallback(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case int:
		return strconv.Itoa(n)
	case bool:
		return strconv.FormatBool(n)
	case nil:
		return ""
	default:
		return ""
	}
}

// EvaluateBranch evaluates a branch step's expression against {task,
// steps} and returns a bool, falling back to def on any failure to
// parse, compile, or execute — including anything that trips the
// deny-list pre-check (spec §4.6 B3: dangerous expressions never
// execute, they return the step's declared default).
func EvaluateBranch(exprStr string, task *domain.Task, stepsOutputs map[string]interface{}, def bool) (result bool) {
	defer func() {
		if recover() != nil {
			result = def
		}
	}()

	trimmed := strings.TrimSpace(exprStr)
	if trimmed == "" {
		return def
	}
	lower := strings.ToLower(trimmed)
	for _, tok := range deniedSubstrings {
		if strings.Contains(lower, tok) {
			return def
		}
	}

	env := map[string]interface{}{
		"task":  taskEnvView(task),
		"steps": stepsOutputs,
	}
	opts := append([]expr.Option{expr.Env(env), expr.AsBool()}, allowedBranchFuncs()...)
	program, err := expr.Compile(trimmed, opts...)
	if err != nil {
		return def
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return def
	}
	b, ok := out.(bool)
	if !ok {
		return def
	}
	return b
}

func taskEnvView(task *domain.Task) map[string]interface{} {
	meta := make(map[string]interface{}, len(task.Metadata))
	for k, v := range task.Metadata {
		meta[k] = v
	}
	return map[string]interface{}{
		"id":       task.ID,
		"goal":     task.Goal,
		"status":   string(task.Status),
		"metadata": meta,
	}
}
