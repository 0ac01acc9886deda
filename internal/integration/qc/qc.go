// Package qc imports laboratory quality-control exports and evaluates
// Westgard rules against the measured values.
package qc

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/platform/store"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Record is one evaluated QC measurement. Immutable once computed.
type Record struct {
	ID             string    `json:"id"`
	InstrumentID   string    `json:"instrumentId"`
	InstrumentName string    `json:"instrumentName"`
	AnalyteCode    string    `json:"analyteCode"`
	AnalyteName    string    `json:"analyteName"`
	Level          string    `json:"level"`
	LotNumber      string    `json:"lotNumber"`
	Value          float64   `json:"value"`
	Mean           float64   `json:"mean"`
	SD             float64   `json:"sd"`
	CV             float64   `json:"cv"`
	ZScore         float64   `json:"zScore"`
	Violation      Violation `json:"violation"`
	Accepted       bool      `json:"accepted"`
	MeasuredAt     time.Time `json:"measuredAt,omitempty"`
	Department     string    `json:"department,omitempty"`
}

// Violation is a Westgard rule identifier.
type Violation string

const (
	ViolationNone Violation = "none"
	Violation12s  Violation = "1-2s"
	Violation13s  Violation = "1-3s"
	Violation22s  Violation = "2-2s"
	ViolationR4s  Violation = "R-4s"
	Violation41s  Violation = "4-1s"
	Violation10x  Violation = "10x"
)

// RowError reports one rejected input row.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ImportResult holds the outcome of one file import.
type ImportResult struct {
	Records []Record   `json:"records"`
	Errors  []RowError `json:"errors"`
	Summary Summary    `json:"summary"`
}

// Summary aggregates an import or a stored data set.
type Summary struct {
	Total      int               `json:"total"`
	Accepted   int               `json:"accepted"`
	Rejected   int               `json:"rejected"`
	Violations map[Violation]int `json:"violations"`
}

// ---------------------------------------------------------------------------
// Column templates
// ---------------------------------------------------------------------------

// ColumnMap names the source column for each canonical field. Value, Mean and
// SD are required; the rest are optional.
type ColumnMap struct {
	InstrumentID   string `json:"instrumentId"`
	InstrumentName string `json:"instrumentName"`
	AnalyteCode    string `json:"analyteCode"`
	AnalyteName    string `json:"analyteName"`
	Level          string `json:"level"`
	LotNumber      string `json:"lotNumber"`
	Value          string `json:"value"`
	Mean           string `json:"mean"`
	SD             string `json:"sd"`
	Date           string `json:"date"`
	Department     string `json:"department"`
}

// BioRadUnity matches Bio-Rad Unity Real Time exports.
var BioRadUnity = ColumnMap{
	InstrumentID:   "Instrument ID",
	InstrumentName: "Instrument",
	AnalyteCode:    "Analyte Code",
	AnalyteName:    "Analyte",
	Level:          "Level",
	LotNumber:      "Lot Number",
	Value:          "Result",
	Mean:           "Mean",
	SD:             "SD",
	Date:           "Date",
	Department:     "Department",
}

// Randox matches Randox Acusera exports.
var Randox = ColumnMap{
	InstrumentID:   "AnalyzerID",
	InstrumentName: "Analyzer",
	AnalyteCode:    "TestCode",
	AnalyteName:    "TestName",
	Level:          "QCLevel",
	LotNumber:      "LotNo",
	Value:          "Value",
	Mean:           "Target",
	SD:             "SD",
	Date:           "RunDate",
	Department:     "Lab",
}

var templates = map[string]ColumnMap{
	"biorad-unity": BioRadUnity,
	"randox":       Randox,
}

// Template returns a built-in column map by name.
func Template(name string) (ColumnMap, bool) {
	m, ok := templates[strings.ToLower(name)]
	return m, ok
}

// TemplateNames lists the built-in templates.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for n := range templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m ColumnMap) validate() error {
	if m.Value == "" || m.Mean == "" || m.SD == "" {
		return fmt.Errorf("qc: column map must name value, mean and sd columns")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Import
// ---------------------------------------------------------------------------

// Importer parses QC exports and persists evaluated records.
type Importer struct {
	store  store.Store
	logger zerolog.Logger
}

func NewImporter(st store.Store, logger zerolog.Logger) *Importer {
	return &Importer{
		store:  st,
		logger: logger.With().Str("component", "qc").Logger(),
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"02/01/2006 15:04",
}

// ImportCSV reads a headered CSV through the column map, evaluates each row
// against the Westgard rules, and persists the accepted records. Rows with
// non-numeric value, mean or SD, or a negative SD, are reported in the
// result's Errors and skipped without aborting the file. The multi-point
// rule window starts empty for each call.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader, cols ColumnMap) (*ImportResult, error) {
	if err := cols.validate(); err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("qc: read header: %w", err)
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{cols.Value, cols.Mean, cols.SD} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("qc: missing required column %q", required)
		}
	}

	result := &ImportResult{
		Summary: Summary{Violations: map[Violation]int{}},
	}
	windows := map[string]*window{}

	row := 1
	for {
		row++
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, RowError{Row: row, Message: err.Error()})
			continue
		}

		cell := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(fields) {
				return ""
			}
			return strings.TrimSpace(fields[i])
		}

		rec := Record{
			ID:             uuid.New().String(),
			InstrumentID:   cell(cols.InstrumentID),
			InstrumentName: cell(cols.InstrumentName),
			AnalyteCode:    cell(cols.AnalyteCode),
			AnalyteName:    cell(cols.AnalyteName),
			Level:          cell(cols.Level),
			LotNumber:      cell(cols.LotNumber),
			Department:     cell(cols.Department),
		}

		var bad bool
		rec.Value, bad = parseNumeric(cell(cols.Value), row, cols.Value, "value", result, bad)
		rec.Mean, bad = parseNumeric(cell(cols.Mean), row, cols.Mean, "mean", result, bad)
		rec.SD, bad = parseNumeric(cell(cols.SD), row, cols.SD, "sd", result, bad)
		if !bad && rec.SD < 0 {
			result.Errors = append(result.Errors, RowError{Row: row, Field: cols.SD, Message: "sd must not be negative"})
			bad = true
		}
		if bad {
			continue
		}

		if raw := cell(cols.Date); raw != "" {
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, raw); err == nil {
					rec.MeasuredAt = t
					break
				}
			}
		}

		if rec.SD != 0 {
			rec.ZScore = (rec.Value - rec.Mean) / rec.SD
		}
		if rec.Mean != 0 {
			rec.CV = rec.SD / math.Abs(rec.Mean) * 100
		}

		w := windows[rec.windowKey()]
		if w == nil {
			w = &window{}
			windows[rec.windowKey()] = w
		}
		rec.Violation = evaluate(rec.ZScore, w.scores)
		rec.Accepted = rec.Violation == ViolationNone || rec.Violation == Violation12s
		w.scores = append(w.scores, rec.ZScore)

		result.Records = append(result.Records, rec)
		result.Summary.Violations[rec.Violation]++
		if rec.Accepted {
			result.Summary.Accepted++
		}
	}

	result.Summary.Total = len(result.Records)
	result.Summary.Rejected = len(result.Errors)

	if im.store != nil {
		for _, rec := range result.Records {
			if err := im.save(ctx, rec); err != nil {
				im.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("persist qc record")
			}
		}
	}

	im.logger.Info().
		Int("records", result.Summary.Total).
		Int("accepted", result.Summary.Accepted).
		Int("rejected", result.Summary.Rejected).
		Msg("qc import complete")
	return result, nil
}

func parseNumeric(raw string, row int, col, field string, result *ImportResult, already bool) (float64, bool) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		result.Errors = append(result.Errors, RowError{
			Row:     row,
			Field:   col,
			Message: fmt.Sprintf("%s %q is not numeric", field, raw),
		})
		return 0, true
	}
	return v, already
}

func (r Record) windowKey() string {
	return strings.Join([]string{r.InstrumentID, r.AnalyteCode, r.Level, r.LotNumber}, "|")
}

type window struct {
	scores []float64
}

// ---------------------------------------------------------------------------
// Westgard evaluation
// ---------------------------------------------------------------------------

// evaluate applies the Westgard rules to the current z-score given the
// window of prior z-scores, most recent last. Multi-point rules are checked
// ahead of 1-2s so a second out-of-2SD point escalates instead of repeating
// the warning.
func evaluate(z float64, prior []float64) Violation {
	if math.Abs(z) > 3 {
		return Violation13s
	}

	if n := len(prior); n > 0 {
		last := prior[n-1]
		if (z > 2 && last > 2) || (z < -2 && last < -2) {
			return Violation22s
		}
		if math.Abs(z-last) > 4 {
			return ViolationR4s
		}
	}
	if sameSideRun(z, prior, 4, 1) {
		return Violation41s
	}
	if sameSideRun(z, prior, 10, 0) {
		return Violation10x
	}

	if math.Abs(z) > 2 {
		return Violation12s
	}
	return ViolationNone
}

// sameSideRun reports whether the current score plus its predecessors form a
// run of length n on one side of the mean, each exceeding threshold in
// magnitude.
func sameSideRun(z float64, prior []float64, n int, threshold float64) bool {
	if len(prior) < n-1 {
		return false
	}
	side := func(v float64) int {
		switch {
		case v > threshold:
			return 1
		case v < -threshold:
			return -1
		default:
			return 0
		}
	}
	want := side(z)
	if want == 0 {
		return false
	}
	for i := 0; i < n-1; i++ {
		if side(prior[len(prior)-1-i]) != want {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

const recordPrefix = "qc:record:"

func marshalRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func unmarshalRecord(data []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(data, &rec)
	return rec, err
}

func (im *Importer) save(ctx context.Context, rec Record) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return im.store.Put(ctx, recordPrefix+rec.ID, data)
}

// Records returns all persisted QC records.
func (im *Importer) Records(ctx context.Context) ([]Record, error) {
	if im.store == nil {
		return nil, nil
	}
	entries, err := im.store.List(ctx, recordPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, data := range entries {
		rec, err := unmarshalRecord(data)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MeasuredAt.Equal(out[j].MeasuredAt) {
			return out[i].MeasuredAt.Before(out[j].MeasuredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Summarize aggregates the persisted records.
func (im *Importer) Summarize(ctx context.Context) (*Summary, error) {
	records, err := im.Records(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{Total: len(records), Violations: map[Violation]int{}}
	for _, rec := range records {
		s.Violations[rec.Violation]++
		if rec.Accepted {
			s.Accepted++
		}
	}
	return s, nil
}
