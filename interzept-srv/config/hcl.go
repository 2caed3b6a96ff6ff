package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// envFunc exposes environment variables to HCL configuration files:
//
//	password = env("PROXY_PASSWORD")
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		name := args[0].AsString()
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return cty.NilVal, fmt.Errorf("secret %s not set", name)
		}
		return cty.StringVal(val), nil
	},
})

// envOrFunc is env() with a fallback for unset variables.
var envOrFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
		{Name: "fallback", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if val, ok := os.LookupEnv(args[0].AsString()); ok && val != "" {
			return cty.StringVal(val), nil
		}
		return args[1], nil
	},
})

func hclEvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env":    envFunc,
			"env_or": envOrFunc,
		},
	}
}

// loadHCLConfig reads a configuration written as top-level HCL attributes.
// The attribute names and value shapes are the same as in the JSON format,
// for example:
//
//	timeout-seconds = 20
//	servers = [{ address = "127.0.0.1", port = 8080 }]
//	auth = { credentials = [{ host = "example.com", username = "u", password = env("PW") }] }
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	data, err := hclBodyToMap(file.Body, hclEvalContext())
	if err != nil {
		return err
	}
	return applyConfigMap(data, cfg)
}

// hclBodyToMap evaluates every attribute of body and converts the result into
// the generic representation produced by encoding/json.
func hclBodyToMap(body hcl.Body, evalCtx *hcl.EvalContext) (map[string]any, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid HCL config: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		if val.IsNull() {
			continue
		}
		if !val.IsWhollyKnown() {
			return nil, fmt.Errorf("value of %s is not known", name)
		}

		raw, err := ctyjson.SimpleJSONValue{Value: val}.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = decoded
	}
	return data, nil
}
