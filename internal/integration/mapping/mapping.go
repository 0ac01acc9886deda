// Package mapping translates records between the local canonical shape and a
// remote system's field layout using declarative per-field mappings.
package mapping

import (
	"fmt"
	"strings"
)

// Direction says which sync direction a field mapping participates in.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
	DirectionBoth Direction = "both"
)

// Conflict resolution hints a mapping may carry for the orchestrator.
const (
	ConflictLocal  = "local"
	ConflictRemote = "remote"
	ConflictMerge  = "merge"
)

// FieldMapping declares how one field moves between the local and remote
// shapes. Both field references are dot-paths into nested objects.
type FieldMapping struct {
	LocalField   string      `json:"localField"`
	RemoteField  string      `json:"remoteField"`
	Direction    Direction   `json:"direction"`
	TransformIn  string      `json:"transformIn,omitempty"`
	TransformOut string      `json:"transformOut,omitempty"`
	Required     bool        `json:"required,omitempty"`
	Default      interface{} `json:"default,omitempty"`
	Validator    string      `json:"validator,omitempty"`

	// ConflictResolution hints how the orchestrator should resolve a
	// two-sided edit of this field: local, remote, or merge.
	ConflictResolution string `json:"conflictResolution,omitempty"`
}

// Violation is one failed validation check.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Mapper applies a fixed set of field mappings in either direction.
type Mapper struct {
	mappings []FieldMapping
}

// New builds a Mapper, rejecting mappings that reference unknown transform or
// validator names. Transforms run only from the named registry, never as
// arbitrary code.
func New(mappings []FieldMapping) (*Mapper, error) {
	for i, fm := range mappings {
		if fm.LocalField == "" || fm.RemoteField == "" {
			return nil, fmt.Errorf("mapping %d: localField and remoteField are required", i)
		}
		switch fm.Direction {
		case DirectionPull, DirectionPush, DirectionBoth, "":
		default:
			return nil, fmt.Errorf("mapping %d (%s): unknown direction %q", i, fm.LocalField, fm.Direction)
		}
		if fm.TransformIn != "" {
			if _, ok := transforms[fm.TransformIn]; !ok {
				return nil, fmt.Errorf("mapping %d (%s): unknown transform %q", i, fm.LocalField, fm.TransformIn)
			}
		}
		if fm.TransformOut != "" {
			if _, ok := transforms[fm.TransformOut]; !ok {
				return nil, fmt.Errorf("mapping %d (%s): unknown transform %q", i, fm.LocalField, fm.TransformOut)
			}
		}
		if fm.Validator != "" {
			if _, ok := validators[fm.Validator]; !ok {
				return nil, fmt.Errorf("mapping %d (%s): unknown validator %q", i, fm.LocalField, fm.Validator)
			}
		}
	}
	return &Mapper{mappings: mappings}, nil
}

// applies reports whether a mapping participates in the given direction.
func (fm FieldMapping) applies(dir Direction) bool {
	return fm.Direction == dir || fm.Direction == DirectionBoth || fm.Direction == ""
}

// TransformInbound maps a remote record into the local shape. Missing
// required fields fall back to the mapping default when present, otherwise
// the field is omitted; validateData reports them separately.
func (m *Mapper) TransformInbound(remote map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, fm := range m.mappings {
		if !fm.applies(DirectionPull) {
			continue
		}
		value, ok := getPath(remote, fm.RemoteField)
		if !ok {
			if fm.Required && fm.Default != nil {
				setPath(out, fm.LocalField, fm.Default)
			}
			continue
		}
		if fm.TransformIn != "" {
			value = transforms[fm.TransformIn](value)
		}
		setPath(out, fm.LocalField, value)
	}
	return out
}

// TransformOutbound maps a local record into the remote shape.
func (m *Mapper) TransformOutbound(local map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, fm := range m.mappings {
		if !fm.applies(DirectionPush) {
			continue
		}
		value, ok := getPath(local, fm.LocalField)
		if !ok {
			if fm.Required && fm.Default != nil {
				setPath(out, fm.RemoteField, fm.Default)
			}
			continue
		}
		if fm.TransformOut != "" {
			value = transforms[fm.TransformOut](value)
		}
		setPath(out, fm.RemoteField, value)
	}
	return out
}

// ValidateData checks a local record against the mappings: required fields
// must be present and named validators must pass.
func (m *Mapper) ValidateData(local map[string]interface{}) []Violation {
	var out []Violation
	for _, fm := range m.mappings {
		value, ok := getPath(local, fm.LocalField)
		if !ok {
			if fm.Required && fm.Default == nil {
				out = append(out, Violation{
					Field:   fm.LocalField,
					Message: "required field is missing",
				})
			}
			continue
		}
		if fm.Validator != "" {
			if msg := validators[fm.Validator](value); msg != "" {
				out = append(out, Violation{Field: fm.LocalField, Message: msg})
			}
		}
	}
	return out
}

// ConflictHint returns the conflict-resolution hint for a local field, or
// the merge default when the field carries none.
func (m *Mapper) ConflictHint(localField string) string {
	for _, fm := range m.mappings {
		if fm.LocalField == localField && fm.ConflictResolution != "" {
			return fm.ConflictResolution
		}
	}
	return ConflictMerge
}

// ---------- dot-path access ----------

// getPath resolves a dot-path like "name.family" into nested maps.
func getPath(m map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = m
	for _, p := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath assigns a value at a dot-path, creating intermediate objects as
// needed. Existing non-object intermediates are replaced.
func setPath(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := current[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[p] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
