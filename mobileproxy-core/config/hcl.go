package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// loadHCLConfig reads a file of top-level HCL attributes. Expressions may
// reference environment variables as env.NAME.
func loadHCLConfig(configPath string, cfg *Config) error {
	src, err := readConfigFile(configPath)
	if err != nil {
		return errs.New(errs.ErrCodeConfigParseFailed, err)
	}

	file, diags := hclsyntax.ParseConfig(src, configPath, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return errs.New(errs.ErrCodeConfigParseFailed, fmt.Errorf("failed to parse HCL config: %w", diags))
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return errs.New(errs.ErrCodeConfigParseFailed, fmt.Errorf("failed to read HCL attributes: %w", diags))
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": environmentObject(),
		},
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return errs.New(errs.ErrCodeConfigParseFailed, fmt.Errorf("failed to evaluate %s: %w", name, diags))
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return errs.New(errs.ErrCodeConfigParseFailed, fmt.Errorf("failed to convert %s: %w", name, err))
		}
		data[name] = goVal
	}

	return applyConfigData(data, cfg)
}

// ctyToGo converts a cty value into the same shape encoding/json produces,
// so HCL and JSON share one mapping path.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func environmentObject() cty.Value {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return cty.ObjectVal(vars)
}
