package syncer

import (
	"reflect"
	"testing"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/integration/mapping"
)

func versioned(id, name, lastUpdated string, extensions ...interface{}) connector.Resource {
	r := connector.Resource{
		"resourceType": "Patient",
		"id":           id,
		"name":         name,
		"meta":         map[string]interface{}{"lastUpdated": lastUpdated},
	}
	if len(extensions) > 0 {
		r["extension"] = extensions
	}
	return r
}

func TestDetectConflicts(t *testing.T) {
	local := []connector.Resource{
		versioned("p1", "Doe", "2026-01-01T10:00:00Z"),
		versioned("p2", "Same", "2026-01-01T10:00:00Z"),
		versioned("p3", "Local only", "2026-01-01T10:00:00Z"),
	}
	remote := []connector.Resource{
		versioned("p1", "Doe-Smith", "2026-01-02T10:00:00Z"),
		versioned("p2", "Same", "2026-01-03T10:00:00Z"),
	}

	conflicts := DetectConflicts(local, remote)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v", conflicts)
	}
	if conflicts[0].ResourceID != "p1" {
		t.Errorf("conflict id = %s", conflicts[0].ResourceID)
	}
}

func TestDetectConflicts_MetaOnlyDifferenceIgnored(t *testing.T) {
	// Timestamps differ but content is identical outside meta: no conflict.
	local := []connector.Resource{versioned("p1", "Doe", "2026-01-01T10:00:00Z")}
	remote := []connector.Resource{versioned("p1", "Doe", "2026-01-02T10:00:00Z")}
	if conflicts := DetectConflicts(local, remote); len(conflicts) != 0 {
		t.Errorf("conflicts = %v", conflicts)
	}
}

func TestResolveConflict_LocalAndRemote(t *testing.T) {
	c := Conflict{
		ResourceID: "p1",
		Local:      versioned("p1", "Local", "2026-01-01T10:00:00Z"),
		Remote:     versioned("p1", "Remote", "2026-01-02T10:00:00Z"),
	}

	res, err := ResolveConflict(c, StrategyLocal)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resource["name"] != "Local" {
		t.Errorf("local strategy kept %v", res.Resource["name"])
	}
	if len(res.ConflictingFields) != 1 || res.ConflictingFields[0] != "name" {
		t.Errorf("conflicting fields = %v", res.ConflictingFields)
	}

	res, _ = ResolveConflict(c, StrategyRemote)
	if res.Resource["name"] != "Remote" {
		t.Errorf("remote strategy kept %v", res.Resource["name"])
	}
}

func TestResolveConflict_MergeUnionsArrays(t *testing.T) {
	extA := map[string]interface{}{"url": "http://x/a", "valueString": "A"}
	extB := map[string]interface{}{"url": "http://x/b", "valueString": "B"}

	c := Conflict{
		ResourceID: "p1",
		Local:      versioned("p1", "Local", "2026-01-01T10:00:00Z", extA),
		Remote:     versioned("p1", "Remote", "2026-01-02T10:00:00Z", extB),
	}

	res, err := ResolveConflict(c, StrategyMerge)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Scalars take the remote side; arrays keep both contributions.
	if res.Resource["name"] != "Remote" {
		t.Errorf("merged name = %v", res.Resource["name"])
	}
	ext, _ := res.Resource["extension"].([]interface{})
	if len(ext) != 2 {
		t.Fatalf("extension = %v", ext)
	}
	if !reflect.DeepEqual(ext[0], extA) || !reflect.DeepEqual(ext[1], extB) {
		t.Errorf("extension = %v", ext)
	}
}

func TestResolveConflict_MergeDeduplicatesByValue(t *testing.T) {
	shared := map[string]interface{}{"url": "http://x/a", "valueString": "A"}

	c := Conflict{
		Local:  versioned("p1", "n", "2026-01-01T10:00:00Z", shared),
		Remote: versioned("p1", "n", "2026-01-02T10:00:00Z", map[string]interface{}{"url": "http://x/a", "valueString": "A"}),
	}
	res, _ := ResolveConflict(c, StrategyMerge)
	ext, _ := res.Resource["extension"].([]interface{})
	if len(ext) != 1 {
		t.Errorf("value-equal elements must not duplicate: %v", ext)
	}
}

func TestResolveConflict_DefaultsToMerge(t *testing.T) {
	c := Conflict{
		Local:  versioned("p1", "Local", "2026-01-01T10:00:00Z"),
		Remote: versioned("p1", "Remote", "2026-01-02T10:00:00Z"),
	}
	res, err := ResolveConflict(c, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Strategy != StrategyMerge {
		t.Errorf("strategy = %s", res.Strategy)
	}

	if _, err := ResolveConflict(c, "theirs"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestResolveConflictWithHints_PerFieldStrategy(t *testing.T) {
	mapper, err := mapping.New([]mapping.FieldMapping{
		{LocalField: "name", RemoteField: "name", ConflictResolution: mapping.ConflictLocal},
		{LocalField: "status", RemoteField: "status", ConflictResolution: mapping.ConflictRemote},
		{LocalField: "extension", RemoteField: "extension"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	local := versioned("p1", "Doe", "2026-01-01T10:00:00Z", "ext-a")
	local["status"] = "draft"
	remote := versioned("p1", "Smith", "2026-01-02T10:00:00Z", "ext-b")
	remote["status"] = "final"

	res, err := ResolveConflictWithHints(Conflict{ResourceID: "p1", Local: local, Remote: remote}, mapper)
	if err != nil {
		t.Fatalf("ResolveConflictWithHints: %v", err)
	}

	if res.Resource["name"] != "Doe" {
		t.Errorf("name = %v, want local Doe", res.Resource["name"])
	}
	if res.Resource["status"] != "final" {
		t.Errorf("status = %v, want remote final", res.Resource["status"])
	}
	ext, _ := res.Resource["extension"].([]interface{})
	if !reflect.DeepEqual(ext, []interface{}{"ext-a", "ext-b"}) {
		t.Errorf("extension = %v, want union of both sides", ext)
	}
}

func TestResolveConflictWithHints_NilMapperMerges(t *testing.T) {
	local := versioned("p1", "Doe", "2026-01-01T10:00:00Z")
	remote := versioned("p1", "Smith", "2026-01-02T10:00:00Z")

	res, err := ResolveConflictWithHints(Conflict{ResourceID: "p1", Local: local, Remote: remote}, nil)
	if err != nil {
		t.Fatalf("ResolveConflictWithHints: %v", err)
	}
	if res.Strategy != StrategyMerge {
		t.Errorf("strategy = %s, want merge", res.Strategy)
	}
	if res.Resource["name"] != "Smith" {
		t.Errorf("name = %v, want remote Smith under merge", res.Resource["name"])
	}
}
