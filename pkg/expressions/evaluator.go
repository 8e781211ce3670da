// Package expressions evaluates JMESPath expressions from the metadata file against decoded
// service responses.
package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Evaluator compiles each distinct expression once. Safe for concurrent use.
type Evaluator struct {
	mu       sync.RWMutex
	compiled map[string]*jmespath.JMESPath
}

func NewEvaluator() *Evaluator {
	return &Evaluator{compiled: make(map[string]*jmespath.JMESPath)}
}

// Evaluate searches data with expression.
func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	result, err := program.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateString is Evaluate formatted with Stringify.
func (e *Evaluator) EvaluateString(expression string, data any) (string, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return "", err
	}
	return Stringify(result), nil
}

// EvaluateSlice returns list results as they are and wraps a single value. nil stays nil.
func (e *Evaluator) EvaluateSlice(expression string, data any) ([]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil || result == nil {
		return nil, err
	}
	if list, ok := result.([]any); ok {
		return list, nil
	}
	return []any{result}, nil
}

// Validate reports whether expression compiles.
func (e *Evaluator) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	program, ok := e.compiled[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	e.mu.Lock()
	e.compiled[expression] = program
	e.mu.Unlock()
	return program, nil
}

// Stringify formats a decoded JSON scalar. Whole numbers print without a fraction so numeric
// ids read from JSON stay stable; nil becomes "".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
