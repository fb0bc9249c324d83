package formula

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrNotReady is returned when an expression cannot produce a usable result from the values at hand.
var ErrNotReady = errors.New("not ready")

// Formula is a compiled expression over named point values.
// Args lists the points the expression needs. An empty list means the full value map is used as environment.
type Formula struct {
	source  string
	args    []string
	program *vm.Program
}

func Compile(source string, args []string) (*Formula, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("error compiling expression %q: %w", source, err)
	}
	return &Formula{
		source:  source,
		args:    args,
		program: program,
	}, nil
}

// MustCompile is like Compile but panics on error. Only for tests and static expressions.
func MustCompile(source string, args ...string) *Formula {
	f, err := Compile(source, args)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Formula) String() string {
	return f.source
}

func (f *Formula) Args() []string {
	return f.args
}

func (f *Formula) run(values map[string]any) (any, error) {
	env := make(map[string]any, len(values))
	if len(f.args) == 0 {
		for k, v := range values {
			env[k] = v
		}
	}
	for _, arg := range f.args {
		v, ok := values[arg]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: missing value for %s", ErrNotReady, arg)
		}
		env[arg] = v
	}

	out, err := expr.Run(f.program, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, err.Error())
	}
	return out, nil
}

// Float evaluates the expression and returns a numeric result.
func (f *Formula) Float(values map[string]any) (float64, error) {
	out, err := f.run(values)
	if err != nil {
		return 0, err
	}
	n, ok := Number(out)
	if !ok {
		return 0, fmt.Errorf("%w: %q returned non numeric %v", ErrNotReady, f.source, out)
	}
	if math.IsNaN(n) {
		return 0, fmt.Errorf("%w: %q returned NaN", ErrNotReady, f.source)
	}
	return n, nil
}

// Bool evaluates the expression as a condition. Numbers are true when non zero.
func (f *Formula) Bool(values map[string]any) (bool, error) {
	out, err := f.run(values)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	n, ok := Number(out)
	if !ok || math.IsNaN(n) {
		return false, fmt.Errorf("%w: %q returned non boolean %v", ErrNotReady, f.source, out)
	}
	return n != 0, nil
}

// Number converts telemetry and expression results to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
