package catalog

import (
	"encoding/json"
	"testing"

	"github.com/modulegate/gateway/internal/domain/transform"
)

func TestBuild_MergesAndPreservesOrder(t *testing.T) {
	raw := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "search", Description: "search the web"},
		{SourceID: "up2", SourceKind: SourceUpstream, OriginalName: "fetch", Description: "fetch a url"},
	}

	cat := Build(raw, nil, nil, nil, nil)

	if len(cat.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(cat.Tools))
	}
	if cat.Tools[0].Name != "search" || cat.Tools[1].Name != "fetch" {
		t.Errorf("tools = %+v", cat.Tools)
	}
	if cat.Origin["search"].SourceID != "up1" {
		t.Errorf("origin for search = %+v", cat.Origin["search"])
	}
}

func TestBuild_SuffixesCollidingNames(t *testing.T) {
	raw := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "search"},
		{SourceID: "up2", SourceKind: SourceUpstream, OriginalName: "search"},
		{SourceID: "up3", SourceKind: SourceUpstream, OriginalName: "search"},
	}

	cat := Build(raw, nil, nil, nil, nil)

	names := []string{cat.Tools[0].Name, cat.Tools[1].Name, cat.Tools[2].Name}
	want := []string{"search", "search_2", "search_3"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v", names, want)
			break
		}
	}

	if cat.Origin["search_2"].SourceID != "up2" {
		t.Errorf("origin for search_2 = %+v", cat.Origin["search_2"])
	}
	if cat.Origin["search_3"].SourceID != "up3" {
		t.Errorf("origin for search_3 = %+v", cat.Origin["search_3"])
	}
}

func TestBuild_AppliesAllowlistBeforeTransform(t *testing.T) {
	raw := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "search"},
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "delete_everything"},
	}

	allow := map[string]bool{"up1:search": true}
	cat := Build(raw, nil, nil, nil, allow)

	if len(cat.Tools) != 1 || cat.Tools[0].Name != "search" {
		t.Errorf("tools = %+v, want only search", cat.Tools)
	}
	if !cat.Denied["delete_everything"] {
		t.Errorf("Denied = %+v, want delete_everything recorded as allowlist-filtered", cat.Denied)
	}
}

func TestBuild_DeniedRecordsRenamedAdvertisedName(t *testing.T) {
	raw := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "search"},
	}
	engine := transform.NewEngine(transform.Overrides{
		"search": {Rename: "find"},
	})

	cat := Build(raw, nil, nil, engine, map[string]bool{"up1:other": true})

	if len(cat.Tools) != 0 {
		t.Fatalf("tools = %+v, want none", cat.Tools)
	}
	// A client only ever sees the transformed name, so the denial is
	// recorded under it.
	if !cat.Denied["find"] {
		t.Errorf("Denied = %+v, want the renamed advertised name", cat.Denied)
	}
}

func TestBuild_AppliesTransformOverrides(t *testing.T) {
	overrides := transform.Overrides{
		"search": transform.ToolOverride{
			Rename:      "web_search",
			Description: "search the web, renamed",
		},
	}
	engine := transform.NewEngine(overrides)

	raw := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "search", Description: "orig"},
	}

	cat := Build(raw, nil, nil, engine, nil)

	if len(cat.Tools) != 1 || cat.Tools[0].Name != "web_search" {
		t.Fatalf("tools = %+v", cat.Tools)
	}
	if cat.Origin["web_search"].OriginalName != "search" {
		t.Errorf("origin = %+v", cat.Origin["web_search"])
	}
}

func TestBuild_CollisionSuffixAppliedAfterRename(t *testing.T) {
	overrides := transform.Overrides{
		"lookup": transform.ToolOverride{Rename: "search"},
	}
	engine := transform.NewEngine(overrides)

	raw := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "search"},
		{SourceID: "up2", SourceKind: SourceUpstream, OriginalName: "lookup"},
	}

	cat := Build(raw, nil, nil, engine, nil)

	if cat.Tools[0].Name != "search" || cat.Tools[1].Name != "search_2" {
		t.Errorf("tools = %+v", cat.Tools)
	}
	if cat.Origin["search_2"].OriginalName != "lookup" {
		t.Errorf("origin for search_2 = %+v", cat.Origin["search_2"])
	}
}

func TestBuild_MergesResourcesAndPromptsWithCollisionSuffixing(t *testing.T) {
	resources := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "readme"},
		{SourceID: "up2", SourceKind: SourceUpstream, OriginalName: "readme"},
	}
	prompts := []RawTool{
		{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "summarize"},
	}

	cat := Build(nil, resources, prompts, nil, nil)

	if len(cat.Resources) != 2 || cat.Resources[0].Name != "readme" || cat.Resources[1].Name != "readme_2" {
		t.Fatalf("resources = %+v", cat.Resources)
	}
	if cat.Origin["readme_2"].SourceID != "up2" {
		t.Errorf("origin for readme_2 = %+v", cat.Origin["readme_2"])
	}
	if len(cat.Prompts) != 1 || cat.Prompts[0].Name != "summarize" {
		t.Fatalf("prompts = %+v", cat.Prompts)
	}
}

func TestBuild_ResourcesAndPromptsBypassAllowlistAndTransform(t *testing.T) {
	overrides := transform.Overrides{"readme": transform.ToolOverride{Rename: "renamed_readme"}}
	engine := transform.NewEngine(overrides)
	resources := []RawTool{{SourceID: "up1", SourceKind: SourceUpstream, OriginalName: "readme"}}
	allow := map[string]bool{"up1:something_else": true}

	cat := Build(nil, resources, nil, engine, allow)

	if len(cat.Resources) != 1 || cat.Resources[0].Name != "readme" {
		t.Fatalf("resources = %+v, want passthrough untransformed and unfiltered", cat.Resources)
	}
}

func TestContractHash_StableUnderInputOrder(t *testing.T) {
	a := MergedCatalog{Tools: []Tool{
		{Name: "alpha", Description: "a"},
		{Name: "beta", Description: "b"},
	}}
	b := MergedCatalog{Tools: []Tool{
		{Name: "beta", Description: "b"},
		{Name: "alpha", Description: "a"},
	}}

	if a.ContractHash() != b.ContractHash() {
		t.Errorf("hash differs under reordering: %s vs %s", a.ContractHash(), b.ContractHash())
	}
}

func TestContractHash_ChangesWithContent(t *testing.T) {
	a := MergedCatalog{Tools: []Tool{{Name: "alpha", Description: "a"}}}
	b := MergedCatalog{Tools: []Tool{{Name: "alpha", Description: "a changed"}}}

	if a.ContractHash() == b.ContractHash() {
		t.Error("hash should differ when description changes")
	}
}

func TestContractHash_DeterministicAcrossSchemaFieldOrder(t *testing.T) {
	a := MergedCatalog{Tools: []Tool{
		{Name: "alpha", InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`)},
	}}
	h1 := a.ContractHash()
	h2 := a.ContractHash()
	if h1 != h2 {
		t.Error("hash should be deterministic across repeated calls")
	}
}
