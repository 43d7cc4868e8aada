package graph

import (
	"fmt"
	"log/slog"
	"regexp"
)

// route evaluates a conditional edge and returns the node id to
// follow. Unknown operators and evaluation panics both fall back
// (logged), never crash the run — a malformed condition is a
// configuration problem, not grounds to fail the whole execution.
func route(e Edge, state *State, logger *slog.Logger) (target string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("conditional edge evaluation panicked, routing to fallback",
				"from", e.From, "variable", e.Variable, "operator", e.Operator, "panic", r)
			target = e.FallbackTarget
		}
	}()

	actual := state.Vars[e.Variable]
	ok, err := evaluate(e.Operator, actual, e.Value)
	if err != nil {
		logger.Warn("conditional edge evaluation failed, routing to fallback",
			"from", e.From, "variable", e.Variable, "operator", e.Operator, "error", err)
		return e.FallbackTarget
	}
	if ok {
		return e.Target
	}
	return e.FallbackTarget
}

func evaluate(operator string, actual, expected any) (bool, error) {
	switch operator {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(expected), nil
	case "neq":
		return fmt.Sprint(actual) != fmt.Sprint(expected), nil
	case "gt", "lt", "gte", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, fmt.Errorf("operator %q requires numeric operands", operator)
		}
		switch operator {
		case "gt":
			return a > b, nil
		case "lt":
			return a < b, nil
		case "gte":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case "contains":
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("operator contains requires a string variable")
		}
		sub := fmt.Sprint(expected)
		return len(s) >= len(sub) && containsSubstr(s, sub), nil
	case "is_set":
		return actual != nil, nil
	case "regex":
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("operator regex requires a string variable")
		}
		pattern := fmt.Sprint(expected)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return sub == ""
}
