package transform

import (
	"encoding/json"
)

// Engine applies Overrides to advertised tool shapes and reverses them on
// call. It holds no state beyond the overrides themselves and performs no
// I/O; the transform layer is pure like the ID codec.
type Engine struct {
	overrides Overrides
}

// NewEngine builds a transform Engine from a profile's tool overrides.
func NewEngine(overrides Overrides) *Engine {
	if overrides == nil {
		overrides = Overrides{}
	}
	return &Engine{overrides: overrides}
}

// AdvertisedTool is the exposed shape of a tool after transforms, plus the
// bookkeeping CatalogBuilder needs to route a call back to the original.
type AdvertisedTool struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OriginalName string
}

// Advertise computes the exposed shape of originalName/description/schema
// under this Engine's overrides. schema must be a JSON Schema object
// (typically with a top-level "properties" map); unrecognized shapes are
// passed through unchanged.
func (e *Engine) Advertise(originalName, description string, schema json.RawMessage) AdvertisedTool {
	out := AdvertisedTool{
		Name:         originalName,
		Description:  description,
		InputSchema:  schema,
		OriginalName: originalName,
	}

	override, ok := e.overrides[originalName]
	if !ok {
		return out
	}

	if override.Rename != "" {
		out.Name = override.Rename
	}
	if override.Description != "" {
		out.Description = override.Description
	}
	out.InputSchema = e.advertiseSchema(schema, override.Params)

	return out
}

// advertiseSchema renames and hides parameters within a JSON-Schema
// "properties" object, leaving the rest of the schema untouched.
func (e *Engine) advertiseSchema(schema json.RawMessage, params map[string]ParamOverride) json.RawMessage {
	if len(params) == 0 || len(schema) == 0 {
		return schema
	}

	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return schema
	}

	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return schema
	}

	newProps := make(map[string]any, len(props))
	required, _ := doc["required"].([]any)
	newRequired := make([]any, 0, len(required))
	hidden := make(map[string]bool)

	for origName, p := range params {
		if !p.IsVisible() {
			hidden[origName] = true
		}
	}

	for name, def := range props {
		if hidden[name] {
			continue
		}
		outName := name
		if p, ok := params[name]; ok && p.Rename != "" {
			outName = p.Rename
		}
		newProps[outName] = def
	}

	for _, r := range required {
		name, ok := r.(string)
		if !ok || hidden[name] {
			continue
		}
		if p, ok := params[name]; ok && p.Rename != "" {
			newRequired = append(newRequired, p.Rename)
		} else {
			newRequired = append(newRequired, r)
		}
	}

	doc["properties"] = newProps
	if len(newRequired) > 0 {
		doc["required"] = newRequired
	} else {
		delete(doc, "required")
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return schema
	}
	return out
}

// ReverseArgs maps an exposed call's args back to the original argument
// shape:
//  1. reverse any parameter rename,
//  2. if TreatNullAsMissing and the value is null, drop the key,
//  3. if the key is then missing and a Default is configured, inject it
//     (deep-cloned via JSON round-trip).
//
// ReverseArgs does not look up the original tool name itself — that is the
// caller's responsibility via the catalog's origin map, since Engine only
// knows overrides keyed by original name. ReverseArgs takes the already
// resolved original tool name.
func (e *Engine) ReverseArgs(originalToolName string, args map[string]any) map[string]any {
	override, ok := e.overrides[originalToolName]
	if !ok || len(override.Params) == 0 {
		return args
	}

	// Build reverse-rename lookup: advertised name -> original name.
	reverseRename := make(map[string]string, len(override.Params))
	for origName, p := range override.Params {
		if p.Rename != "" {
			reverseRename[p.Rename] = origName
		}
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		origKey := k
		if mapped, ok := reverseRename[k]; ok {
			origKey = mapped
		}
		out[origKey] = v
	}

	for origName, p := range override.Params {
		v, present := out[origName]
		if present && p.TreatNullAsMissing && v == nil {
			delete(out, origName)
			present = false
		}
		if !present && len(p.Default) > 0 {
			var def any
			if err := json.Unmarshal(p.Default, &def); err == nil {
				out[origName] = def
			}
		}
	}

	return out
}

// OriginalName returns the original tool name for a transform rule, given
// the advertised name, by scanning overrides for a matching Rename. Returns
// ("", false) if advertisedName matches no override's Rename (i.e. it is
// unchanged and equals the original name already).
func (e *Engine) OriginalName(advertisedName string) (string, bool) {
	for orig, override := range e.overrides {
		if override.Rename == advertisedName {
			return orig, true
		}
	}
	return "", false
}
