package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// transforms is the fixed registry of named value transforms. Mappings may
// only reference names listed here.
var transforms = map[string]func(interface{}) interface{}{
	"toUpperCase":    func(v interface{}) interface{} { return strings.ToUpper(asString(v)) },
	"toLowerCase":    func(v interface{}) interface{} { return strings.ToLower(asString(v)) },
	"trim":           func(v interface{}) interface{} { return strings.TrimSpace(asString(v)) },
	"toString":       func(v interface{}) interface{} { return asString(v) },
	"toNumber":       toNumber,
	"toISODate":      toISODate,
	"fromHL7Date":    fromHL7Date,
	"toHL7Date":      toHL7Date,
	"genderToFHIR":   genderToFHIR,
	"genderFromFHIR": genderFromFHIR,
}

// validators is the fixed registry of named value validators. Each returns an
// empty string when the value passes.
var validators = map[string]func(interface{}) string{
	"nonEmpty": func(v interface{}) string {
		if strings.TrimSpace(asString(v)) == "" {
			return "value is empty"
		}
		return ""
	},
	"numeric": func(v interface{}) string {
		switch v.(type) {
		case float64, float32, int, int64:
			return ""
		}
		if _, err := strconv.ParseFloat(asString(v), 64); err != nil {
			return "value is not numeric"
		}
		return ""
	},
	"isoDate": func(v interface{}) string {
		s := asString(v)
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return ""
		}
		if _, err := time.Parse(time.RFC3339, s); err == nil {
			return ""
		}
		return "value is not an ISO date"
	},
}

// TransformNames lists the registered transform names, sorted.
func TransformNames() []string {
	out := make([]string, 0, len(transforms))
	for name := range transforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// toNumber parses numeric strings; non-numeric input passes through unchanged
// so validation can report it instead of losing the original value.
func toNumber(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return v
}

// toISODate normalizes common date layouts to YYYY-MM-DD.
func toISODate(v interface{}) interface{} {
	s := strings.TrimSpace(asString(v))
	layouts := []string{"2006-01-02", time.RFC3339, "01/02/2006", "20060102", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return v
}

// fromHL7Date converts an HL7 DTM (YYYYMMDD[HHMMSS]) to an ISO date.
func fromHL7Date(v interface{}) interface{} {
	s := strings.TrimSpace(asString(v))
	if len(s) >= 8 {
		if _, err := strconv.Atoi(s[:8]); err == nil {
			return fmt.Sprintf("%s-%s-%s", s[0:4], s[4:6], s[6:8])
		}
	}
	return v
}

// toHL7Date converts an ISO date (or RFC3339 timestamp) to HL7 YYYYMMDD.
func toHL7Date(v interface{}) interface{} {
	s := strings.TrimSpace(asString(v))
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Format("20060102")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Format("20060102")
	}
	return v
}

func genderToFHIR(v interface{}) interface{} {
	switch strings.ToUpper(strings.TrimSpace(asString(v))) {
	case "M":
		return "male"
	case "F":
		return "female"
	case "O":
		return "other"
	case "U", "":
		return "unknown"
	default:
		return "unknown"
	}
}

func genderFromFHIR(v interface{}) interface{} {
	switch strings.ToLower(strings.TrimSpace(asString(v))) {
	case "male":
		return "M"
	case "female":
		return "F"
	case "other":
		return "O"
	default:
		return "U"
	}
}
