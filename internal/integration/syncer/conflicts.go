package syncer

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/integration/errs"
	"github.com/medbridge/medbridge/internal/integration/mapping"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
)

// Conflict is a two-sided edit of the same resource.
type Conflict struct {
	ResourceID   string             `json:"resourceId"`
	ResourceType string             `json:"resourceType"`
	Local        connector.Resource `json:"local"`
	Remote       connector.Resource `json:"remote"`
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Resource          connector.Resource `json:"resource"`
	Strategy          Strategy           `json:"strategy"`
	ConflictingFields []string           `json:"conflictingFields,omitempty"`
}

// DetectConflicts pairs local and remote copies by id and reports the pairs
// whose lastUpdated timestamps differ and whose content differs materially
// (ignoring meta).
func DetectConflicts(local, remote []connector.Resource) []Conflict {
	remoteByID := make(map[string]connector.Resource, len(remote))
	for _, r := range remote {
		if id := r.ID(); id != "" {
			remoteByID[id] = r
		}
	}

	var out []Conflict
	for _, l := range local {
		r, ok := remoteByID[l.ID()]
		if !ok {
			continue
		}
		if l.LastUpdated().Equal(r.LastUpdated()) {
			continue
		}
		if !materiallyDiffer(l, r) {
			continue
		}
		out = append(out, Conflict{
			ResourceID:   l.ID(),
			ResourceType: l.Type(),
			Local:        l,
			Remote:       r,
		})
	}
	return out
}

// materiallyDiffer compares two resources field by field, ignoring meta.
func materiallyDiffer(a, b connector.Resource) bool {
	return len(conflictingFields(a, b)) > 0
}

// conflictingFields lists the fields whose values differ, ignoring meta.
func conflictingFields(a, b connector.Resource) []string {
	fields := map[string]bool{}
	for k := range a {
		fields[k] = true
	}
	for k := range b {
		fields[k] = true
	}

	var out []string
	for k := range fields {
		if k == "meta" {
			continue
		}
		if !reflect.DeepEqual(a[k], b[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ResolveConflict applies the chosen strategy. Merge shallow-merges remote
// over local, then unions array-valued fields by deep value equality so
// neither side's contributions are dropped.
func ResolveConflict(c Conflict, strategy Strategy) (*Resolution, error) {
	fields := conflictingFields(c.Local, c.Remote)

	switch strategy {
	case StrategyLocal:
		return &Resolution{Resource: c.Local.Clone(), Strategy: strategy, ConflictingFields: fields}, nil
	case StrategyRemote:
		return &Resolution{Resource: c.Remote.Clone(), Strategy: strategy, ConflictingFields: fields}, nil
	case StrategyMerge, "":
		merged := c.Local.Clone()
		for k, rv := range c.Remote {
			lv, inLocal := merged[k]
			la, lIsArray := lv.([]interface{})
			ra, rIsArray := rv.([]interface{})
			if inLocal && lIsArray && rIsArray {
				merged[k] = unionArrays(la, ra)
				continue
			}
			merged[k] = rv
		}
		return &Resolution{Resource: merged, Strategy: StrategyMerge, ConflictingFields: fields}, nil
	default:
		return nil, errs.Configuration(fmt.Sprintf("unknown conflict strategy %q", strategy))
	}
}

// ResolveConflictWithHints resolves field by field using the per-field
// conflict hints carried by the config's field mappings. Fields without a
// hint, and all conflicts when no mapper is configured, follow the merge
// strategy.
func ResolveConflictWithHints(c Conflict, m *mapping.Mapper) (*Resolution, error) {
	if m == nil {
		return ResolveConflict(c, StrategyMerge)
	}

	fields := conflictingFields(c.Local, c.Remote)
	merged := c.Local.Clone()
	for k, rv := range c.Remote {
		if _, inLocal := merged[k]; !inLocal {
			merged[k] = rv
		}
	}

	for _, k := range fields {
		switch m.ConflictHint(k) {
		case mapping.ConflictLocal:
			if lv, ok := c.Local[k]; ok {
				merged[k] = lv
			} else {
				delete(merged, k)
			}
		case mapping.ConflictRemote:
			if rv, ok := c.Remote[k]; ok {
				merged[k] = rv
			} else {
				delete(merged, k)
			}
		default:
			la, lok := c.Local[k].([]interface{})
			ra, rok := c.Remote[k].([]interface{})
			if lok && rok {
				merged[k] = unionArrays(la, ra)
			} else if rv, ok := c.Remote[k]; ok {
				merged[k] = rv
			}
		}
	}

	return &Resolution{Resource: merged, Strategy: StrategyMerge, ConflictingFields: fields}, nil
}

// unionArrays appends the elements of b that are not already present in a by
// deep equality, preserving order.
func unionArrays(a, b []interface{}) []interface{} {
	out := make([]interface{}, len(a))
	copy(out, a)
	for _, e := range b {
		present := false
		for _, have := range out {
			if reflect.DeepEqual(have, e) {
				present = true
				break
			}
		}
		if !present {
			out = append(out, e)
		}
	}
	return out
}
