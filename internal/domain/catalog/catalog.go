// Package catalog builds the merged, transformed tools/resources/prompts
// view from the set of Ready upstreams plus attached tool
// sources, applying allowlist filtering and TransformEngine last.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/modulegate/gateway/internal/domain/transform"
)

// SourceKind tags where a catalog entry's implementation lives.
type SourceKind int

const (
	SourceUpstream SourceKind = iota
	SourceLocal
)

func (k SourceKind) String() string {
	if k == SourceUpstream {
		return "upstream"
	}
	return "local"
}

// RawTool is one tool as advertised by an upstream or tool source, before
// transforms or collision handling.
type RawTool struct {
	SourceID     string
	SourceKind   SourceKind
	OriginalName string
	Description  string
	InputSchema  json.RawMessage
}

// Origin records how to route a call on the merged, advertised tool name
// back to its implementation.
type Origin struct {
	Kind         SourceKind
	SourceID     string
	OriginalName string
}

// Tool is one entry in the MergedCatalog's tools list.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// MergedCatalog is the externally-visible, transformed catalog for one
// profile.
type MergedCatalog struct {
	Tools []Tool
	// Resources/Prompts carry through upstream-advertised entries
	// untransformed; the transform/allowlist machinery is defined
	// only over tools; resources and prompts pass through merged by
	// ordinal with the same name-collision suffixing as tools.
	Resources []Tool
	Prompts   []Tool
	Origin    map[string]Origin
	// Denied holds the advertised names of tools the allowlist filtered
	// out, so a call on one can be rejected as denied rather than
	// conflated with a name that never existed.
	Denied map[string]bool
}

// Build merges rawTools (ordered: upstreams then tool sources, each by
// ordinal) applying allowlist and transform, and computes
// the deterministic contract hash.
//
// allowlistKeys, if non-empty, restricts the merged set to entries whose
// "{sourceId}:{originalName}" key is present — checked before transform,
// so the key is stable across transforms.
//
// rawResources and rawPrompts pass through merged by ordinal with the same
// name-collision suffixing as tools, but are never subject to
// TransformEngine or allowlistKeys: those only ever apply to tools.
func Build(rawTools []RawTool, rawResources []RawTool, rawPrompts []RawTool, engine *transform.Engine, allowlistKeys map[string]bool) MergedCatalog {
	if engine == nil {
		engine = transform.NewEngine(nil)
	}

	cat := MergedCatalog{Origin: make(map[string]Origin, len(rawTools)+len(rawResources)+len(rawPrompts))}

	seen := make(map[string]int) // advertised-name -> occurrence count, for "_2", "_3" suffixing
	for _, rt := range rawTools {
		advertised := engine.Advertise(rt.OriginalName, rt.Description, rt.InputSchema)

		if len(allowlistKeys) > 0 {
			key := rt.SourceID + ":" + rt.OriginalName
			if !allowlistKeys[key] {
				if cat.Denied == nil {
					cat.Denied = make(map[string]bool)
				}
				cat.Denied[advertised.Name] = true
				continue
			}
		}

		name := dedupeName(advertised.Name, seen)

		cat.Tools = append(cat.Tools, Tool{
			Name:        name,
			Description: advertised.Description,
			InputSchema: advertised.InputSchema,
		})
		cat.Origin[name] = Origin{
			Kind:         rt.SourceKind,
			SourceID:     rt.SourceID,
			OriginalName: rt.OriginalName,
		}
	}

	cat.Resources = mergePassthrough(rawResources, cat.Origin)
	cat.Prompts = mergePassthrough(rawPrompts, cat.Origin)

	return cat
}

// mergePassthrough merges raw entries by ordinal with the same
// name-collision suffixing dedupeName applies to tools, recording each
// entry's Origin, but without any TransformEngine or allowlist pass.
func mergePassthrough(raw []RawTool, origin map[string]Origin) []Tool {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]int)
	out := make([]Tool, 0, len(raw))
	for _, rt := range raw {
		name := dedupeName(rt.OriginalName, seen)
		out = append(out, Tool{
			Name:        name,
			Description: rt.Description,
			InputSchema: rt.InputSchema,
		})
		origin[name] = Origin{
			Kind:         rt.SourceKind,
			SourceID:     rt.SourceID,
			OriginalName: rt.OriginalName,
		}
	}
	return out
}

// dedupeName suffixes "_2", "_3", ... on the second and subsequent
// occurrence of a name.
func dedupeName(name string, seen map[string]int) string {
	seen[name]++
	n := seen[name]
	if n == 1 {
		return name
	}
	suffixed := name
	for {
		candidate := suffixed + suffixSeq(n)
		if seen[candidate] == 0 {
			seen[candidate] = 1
			return candidate
		}
		n++
	}
}

func suffixSeq(n int) string {
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return "_" + string(digits)
}

func sortedByName(tools []Tool) []Tool {
	out := make([]Tool, len(tools))
	copy(out, tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func hashCanonicalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Marshal of this fixed, JSON-safe shape cannot fail in practice;
		// an empty-catalog hash is a safe, deterministic fallback.
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContractHash computes the deterministic digest over the externally
// visible tools/resources/prompts of cat: stable key
// ordering and normalized strings via Go's own sorted-map-key JSON
// marshaling, sha256 over the canonical bytes.
func (cat MergedCatalog) ContractHash() string {
	canonical := struct {
		Tools     []Tool `json:"tools"`
		Resources []Tool `json:"resources"`
		Prompts   []Tool `json:"prompts"`
	}{
		Tools:     sortedByName(cat.Tools),
		Resources: sortedByName(cat.Resources),
		Prompts:   sortedByName(cat.Prompts),
	}
	return hashCanonicalJSON(canonical)
}

// HashTools computes the same canonical sha256 digest as ContractHash but
// scoped to a single tools/resources/prompts slice, letting ContractWatch
// detect which kind of the catalog changed without recomputing the whole
// profile's contract_hash for each of the three kinds.
func HashTools(tools []Tool) string {
	return hashCanonicalJSON(sortedByName(tools))
}
