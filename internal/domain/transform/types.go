// Package transform applies per-profile tool-override rules: renaming tools
// and parameters, injecting defaults, and hiding parameters from the
// advertised schema while reversing those changes on call.
package transform

import "encoding/json"

// ParamOverride configures a single parameter's advertise/call transform.
type ParamOverride struct {
	// Rename is the advertised parameter name. Empty means unchanged.
	Rename string `json:"rename,omitempty" validate:"omitempty,min=1"`
	// Default is injected at call time if the (original) key is absent
	// after reverse-transform. Must be a parseable JSON value; validated at
	// profile save, not call time.
	Default json.RawMessage `json:"default,omitempty"`
	// Visible, when explicitly false, removes the parameter from the
	// advertised input schema. Defaults to true (visible) when omitted.
	Visible *bool `json:"visible,omitempty"`
	// TreatNullAsMissing, when true, drops the key entirely at call time if
	// its value is JSON null, before default injection.
	TreatNullAsMissing bool `json:"treatNullAsMissing,omitempty"`
}

// IsVisible reports whether the parameter should appear in the advertised
// schema. Absent Visible defaults to true.
func (p ParamOverride) IsVisible() bool {
	return p.Visible == nil || *p.Visible
}

// ToolOverride is the full transform rule for one originally-advertised
// tool name.
type ToolOverride struct {
	// Rename is the advertised tool name. Empty means unchanged.
	Rename string `json:"rename,omitempty" validate:"omitempty,min=1"`
	// Description, if set, replaces the advertised description.
	Description string `json:"description,omitempty"`
	// Params maps the ORIGINAL parameter name to its override.
	Params map[string]ParamOverride `json:"params,omitempty"`
}

// Overrides is the full set of tool overrides for a profile, keyed by
// original tool name.
type Overrides map[string]ToolOverride

// ValidateDefaults checks that every configured Default is parseable JSON.
// This check happens at profile save time, not at call time;
// callers invoke this once when a profile snapshot is accepted.
func (o Overrides) ValidateDefaults() error {
	for toolName, override := range o {
		for paramName, p := range override.Params {
			if len(p.Default) == 0 {
				continue
			}
			var v any
			if err := json.Unmarshal(p.Default, &v); err != nil {
				return &InvalidDefaultError{Tool: toolName, Param: paramName, Err: err}
			}
		}
	}
	return nil
}

// InvalidDefaultError reports a malformed default value detected at
// profile-save validation time.
type InvalidDefaultError struct {
	Tool  string
	Param string
	Err   error
}

func (e *InvalidDefaultError) Error() string {
	return "transform: invalid default for " + e.Tool + "." + e.Param + ": " + e.Err.Error()
}

func (e *InvalidDefaultError) Unwrap() error {
	return e.Err
}
