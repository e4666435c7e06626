package transform

import (
	"encoding/json"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestEngine_Advertise_RenameToolAndParam(t *testing.T) {
	overrides := Overrides{
		"search": ToolOverride{
			Rename: "find",
			Params: map[string]ParamOverride{
				"q":     {Rename: "query"},
				"limit": {Default: json.RawMessage(`10`)},
			},
		},
	}
	engine := NewEngine(overrides)

	schema := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"},"limit":{"type":"integer"}},"required":["q"]}`)
	advertised := engine.Advertise("search", "search things", schema)

	if advertised.Name != "find" {
		t.Errorf("Name = %q, want find", advertised.Name)
	}

	var doc map[string]any
	if err := json.Unmarshal(advertised.InputSchema, &doc); err != nil {
		t.Fatalf("unmarshal advertised schema: %v", err)
	}
	props := doc["properties"].(map[string]any)
	if _, ok := props["query"]; !ok {
		t.Errorf("expected renamed param 'query' in advertised schema, got %v", props)
	}
	if _, ok := props["q"]; ok {
		t.Errorf("original param name 'q' should not remain in advertised schema")
	}
}

func TestEngine_Advertise_HiddenParamRemoved(t *testing.T) {
	overrides := Overrides{
		"search": ToolOverride{
			Params: map[string]ParamOverride{
				"debug": {Visible: boolPtr(false)},
			},
		},
	}
	engine := NewEngine(overrides)
	schema := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"},"debug":{"type":"boolean"}}}`)
	advertised := engine.Advertise("search", "", schema)

	var doc map[string]any
	json.Unmarshal(advertised.InputSchema, &doc)
	props := doc["properties"].(map[string]any)
	if _, ok := props["debug"]; ok {
		t.Errorf("hidden param 'debug' should not appear in advertised schema")
	}
	if _, ok := props["q"]; !ok {
		t.Errorf("visible param 'q' should remain")
	}
}

func TestEngine_ReverseArgs_RenameAndDefault(t *testing.T) {
	overrides := Overrides{
		"search": ToolOverride{
			Rename: "find",
			Params: map[string]ParamOverride{
				"q":     {Rename: "query"},
				"limit": {Default: json.RawMessage(`10`)},
			},
		},
	}
	engine := NewEngine(overrides)

	reversed := engine.ReverseArgs("search", map[string]any{"query": "foo"})
	if reversed["q"] != "foo" {
		t.Errorf("q = %v, want foo", reversed["q"])
	}
	limit, ok := reversed["limit"].(float64)
	if !ok || limit != 10 {
		t.Errorf("limit = %v, want 10", reversed["limit"])
	}
}

func TestEngine_ReverseArgs_TreatNullAsMissingDropsKey(t *testing.T) {
	overrides := Overrides{
		"search": ToolOverride{
			Params: map[string]ParamOverride{
				"filter": {TreatNullAsMissing: true},
			},
		},
	}
	engine := NewEngine(overrides)

	reversed := engine.ReverseArgs("search", map[string]any{"filter": nil})
	if _, present := reversed["filter"]; present {
		t.Errorf("expected 'filter' to be dropped when null and TreatNullAsMissing, got %v", reversed)
	}
}

func TestEngine_ReverseArgs_NullWithDefaultInjectsDefaultAfterDrop(t *testing.T) {
	overrides := Overrides{
		"search": ToolOverride{
			Params: map[string]ParamOverride{
				"filter": {TreatNullAsMissing: true, Default: json.RawMessage(`"none"`)},
			},
		},
	}
	engine := NewEngine(overrides)

	reversed := engine.ReverseArgs("search", map[string]any{"filter": nil})
	if reversed["filter"] != "none" {
		t.Errorf("filter = %v, want none (default injected after null drop)", reversed["filter"])
	}
}

func TestEngine_Advertise_NoOverrideIsIdentity(t *testing.T) {
	engine := NewEngine(nil)
	schema := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	advertised := engine.Advertise("search", "desc", schema)
	if advertised.Name != "search" || advertised.Description != "desc" {
		t.Errorf("expected identity pass-through, got %+v", advertised)
	}
}

func TestOverrides_ValidateDefaults_RejectsMalformedJSON(t *testing.T) {
	overrides := Overrides{
		"search": ToolOverride{
			Params: map[string]ParamOverride{
				"limit": {Default: json.RawMessage(`{not json`)},
			},
		},
	}
	if err := overrides.ValidateDefaults(); err == nil {
		t.Fatal("expected error for malformed default JSON")
	}
}

func TestOverrides_ValidateDefaults_AcceptsValidJSON(t *testing.T) {
	overrides := Overrides{
		"search": ToolOverride{
			Params: map[string]ParamOverride{
				"limit": {Default: json.RawMessage(`10`)},
			},
		},
	}
	if err := overrides.ValidateDefaults(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
