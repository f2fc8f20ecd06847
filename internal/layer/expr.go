package layer

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/paulmach/orb/geojson"

	"tile-pipeline/internal/common"
)

// Predicate decides whether a feature is kept
type Predicate func(props geojson.Properties) bool

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

// celEnv exposes the feature properties as `properties`, e.g.
//
//	properties.class == "water" && properties.rank < 3
func celEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("properties", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return env, envErr
}

// CompilePredicate compiles a CEL boolean expression over feature properties.
// A feature whose evaluation fails (missing property, type mismatch) is rejected.
func CompilePredicate(expr string) (Predicate, error) {
	prg, err := compileBool(expr)
	if err != nil {
		return nil, err
	}
	return func(props geojson.Properties) bool {
		return evalBool(prg, props)
	}, nil
}

func compileBool(expr string) (cel.Program, error) {
	e, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("getting CEL env: %w", err)
	}
	ast, issues := e.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("%w: compiling CEL %q: %w", common.ErrConfiguration, expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: CEL %q returns %s, not bool", common.ErrConfiguration, expr, out)
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: building CEL program %q: %w", common.ErrConfiguration, expr, err)
	}
	return prg, nil
}

func evalBool(prg cel.Program, props geojson.Properties) bool {
	if props == nil {
		props = geojson.Properties{}
	}
	val, _, err := prg.Eval(map[string]any{"properties": map[string]any(props)})
	if err != nil {
		return false
	}
	b, ok := val.Value().(bool)
	return ok && b
}
