package mapping

import (
	"reflect"
	"testing"
)

func patientMappings(t *testing.T) *Mapper {
	t.Helper()
	m, err := New([]FieldMapping{
		{LocalField: "mrn", RemoteField: "identifier.value", Direction: DirectionBoth, Required: true, Validator: "nonEmpty"},
		{LocalField: "familyName", RemoteField: "name.family", Direction: DirectionBoth, TransformIn: "trim"},
		{LocalField: "gender", RemoteField: "sex", Direction: DirectionBoth, TransformIn: "genderToFHIR", TransformOut: "genderFromFHIR"},
		{LocalField: "birthDate", RemoteField: "dob", Direction: DirectionPull, TransformIn: "fromHL7Date"},
		{LocalField: "status", RemoteField: "state", Direction: DirectionPull, Required: true, Default: "active"},
		{LocalField: "notes", RemoteField: "comments", Direction: DirectionPush},
	})
	if err != nil {
		t.Fatalf("new mapper: %v", err)
	}
	return m
}

func TestTransformInbound(t *testing.T) {
	m := patientMappings(t)
	got := m.TransformInbound(map[string]interface{}{
		"identifier": map[string]interface{}{"value": "MRN42"},
		"name":       map[string]interface{}{"family": "  Doe  "},
		"sex":        "F",
		"dob":        "19751201",
		"comments":   "push-only, must not map inbound",
	})

	want := map[string]interface{}{
		"mrn":        "MRN42",
		"familyName": "Doe",
		"gender":     "female",
		"birthDate":  "1975-12-01",
		"status":     "active", // required + missing → default
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("inbound = %v, want %v", got, want)
	}
}

func TestTransformInbound_MissingWithoutDefaultOmitted(t *testing.T) {
	m := patientMappings(t)
	got := m.TransformInbound(map[string]interface{}{"sex": "M"})
	if _, ok := got["mrn"]; ok {
		t.Error("missing required field without default should be omitted, not invented")
	}
	if got["gender"] != "male" {
		t.Errorf("gender = %v", got["gender"])
	}
}

func TestTransformOutbound(t *testing.T) {
	m := patientMappings(t)
	got := m.TransformOutbound(map[string]interface{}{
		"mrn":       "MRN42",
		"gender":    "female",
		"notes":     "ok",
		"birthDate": "1975-12-01", // pull-only, must not map outbound
	})

	if v, _ := getPath(got, "identifier.value"); v != "MRN42" {
		t.Errorf("identifier.value = %v", v)
	}
	if got["sex"] != "F" {
		t.Errorf("sex = %v", got["sex"])
	}
	if got["comments"] != "ok" {
		t.Errorf("comments = %v", got["comments"])
	}
	if _, ok := got["dob"]; ok {
		t.Error("pull-only mapping leaked into outbound result")
	}
}

func TestValidateData(t *testing.T) {
	m := patientMappings(t)

	if violations := m.ValidateData(map[string]interface{}{"mrn": "MRN1"}); len(violations) != 0 {
		t.Errorf("violations = %v", violations)
	}

	violations := m.ValidateData(map[string]interface{}{"mrn": "   "})
	if len(violations) != 1 || violations[0].Field != "mrn" {
		t.Fatalf("violations = %v", violations)
	}

	// Missing required field without a default is a violation; with a
	// default (status) it is not.
	violations = m.ValidateData(map[string]interface{}{})
	if len(violations) != 1 || violations[0].Field != "mrn" {
		t.Errorf("violations = %v", violations)
	}
}

func TestNew_RejectsUnknownTransform(t *testing.T) {
	_, err := New([]FieldMapping{
		{LocalField: "a", RemoteField: "b", TransformIn: "eval"},
	})
	if err == nil {
		t.Error("expected error for unregistered transform")
	}

	_, err = New([]FieldMapping{
		{LocalField: "a", RemoteField: "b", Validator: "custom"},
	})
	if err == nil {
		t.Error("expected error for unregistered validator")
	}
}

func TestConflictHint(t *testing.T) {
	m, err := New([]FieldMapping{
		{LocalField: "mrn", RemoteField: "identifier.value", ConflictResolution: ConflictLocal},
		{LocalField: "name", RemoteField: "name"},
	})
	if err != nil {
		t.Fatalf("new mapper: %v", err)
	}
	if got := m.ConflictHint("mrn"); got != ConflictLocal {
		t.Errorf("hint = %q", got)
	}
	if got := m.ConflictHint("name"); got != ConflictMerge {
		t.Errorf("default hint = %q", got)
	}
}

func TestDotPaths(t *testing.T) {
	m := map[string]interface{}{}
	setPath(m, "a.b.c", 1)
	if v, ok := getPath(m, "a.b.c"); !ok || v != 1 {
		t.Errorf("a.b.c = %v, %v", v, ok)
	}
	if _, ok := getPath(m, "a.b.c.d"); ok {
		t.Error("path through a scalar should not resolve")
	}
	if _, ok := getPath(m, "a.x"); ok {
		t.Error("missing key should not resolve")
	}

	// Scalar intermediates are replaced on write.
	setPath(m, "a.b", "flat")
	setPath(m, "a.b.z", 2)
	if v, ok := getPath(m, "a.b.z"); !ok || v != 2 {
		t.Errorf("a.b.z = %v, %v", v, ok)
	}
}

func TestTransformRegistry(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"toUpperCase", "abc", "ABC"},
		{"toLowerCase", "ABC", "abc"},
		{"trim", "  x ", "x"},
		{"toNumber", "3.5", 3.5},
		{"toNumber", "not a number", "not a number"},
		{"toISODate", "01/02/2006", "2006-01-02"},
		{"toISODate", "20260115", "2026-01-15"},
		{"fromHL7Date", "19800101123000", "1980-01-01"},
		{"toHL7Date", "1980-01-01", "19800101"},
		{"genderToFHIR", "M", "male"},
		{"genderToFHIR", "x", "unknown"},
		{"genderFromFHIR", "female", "F"},
		{"toString", 5.0, "5"},
	}
	for _, tc := range cases {
		if got := transforms[tc.name](tc.in); got != tc.want {
			t.Errorf("%s(%v) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
}
