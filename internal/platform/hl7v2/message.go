// Package hl7v2 implements HL7 version 2 message parsing, generation, and
// MLLP transport for the lab and clinical connectors.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Encoding holds the five HL7v2 encoding characters. The defaults correspond
// to the standard "|^~\&" set; remote systems occasionally declare others in
// MSH-1/MSH-2 and Parse honors whatever the message carries.
type Encoding struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultEncoding returns the standard HL7v2 encoding characters.
func DefaultEncoding() Encoding {
	return Encoding{Field: '|', Component: '^', Repetition: '~', Escape: '\\', Subcomponent: '&'}
}

// Chars returns the MSH-2 encoding-characters string (component, repetition,
// escape, subcomponent).
func (e Encoding) Chars() string {
	return string([]byte{e.Component, e.Repetition, e.Escape, e.Subcomponent})
}

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ADT^A01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Encoding     Encoding
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBX", "QRD"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated
	Repeats    [][]string // Repetition-separated, each with components
}

// Parse parses raw HL7v2 message bytes into a structured Message. The
// encoding characters are read from the MSH segment itself, so messages using
// non-standard separators parse correctly. It supports \r, \n, and \r\n line
// endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)

	// Normalize line endings: replace \r\n with \r, then replace \n with \r
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	lines := strings.Split(text, "\r")

	var segmentLines []string
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if !strings.HasPrefix(segmentLines[0], "MSH") {
		n := 3
		if len(segmentLines[0]) < n {
			n = len(segmentLines[0])
		}
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:n])
	}

	enc, err := encodingFromMSH(segmentLines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Encoding: enc}

	for _, line := range segmentLines {
		seg, err := parseSegment(line, enc)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}

	return msg, nil
}

// encodingFromMSH reads the separator set out of the MSH header line.
// MSH-1 is the byte directly after "MSH"; MSH-2 carries component,
// repetition, escape, and subcomponent characters in that order.
func encodingFromMSH(line string) (Encoding, error) {
	enc := DefaultEncoding()
	if len(line) < 4 {
		return enc, fmt.Errorf("hl7v2: MSH segment too short")
	}
	enc.Field = line[3]

	rest := line[4:]
	end := strings.IndexByte(rest, enc.Field)
	if end == -1 {
		end = len(rest)
	}
	chars := rest[:end]
	if len(chars) > 0 {
		enc.Component = chars[0]
	}
	if len(chars) > 1 {
		enc.Repetition = chars[1]
	}
	if len(chars) > 2 {
		enc.Escape = chars[2]
	}
	if len(chars) > 3 {
		enc.Subcomponent = chars[3]
	}
	return enc, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, enc Encoding) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}
	fieldSep := string(enc.Field)

	// MSH is special: the field separator itself is MSH-1.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		rest := line[4:]
		parts := strings.Split(rest, fieldSep)

		// Fields[0] = MSH-1 (the separator), Fields[1] = MSH-2 (encoding
		// characters), Fields[2] = MSH-3, and so on.
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})
		for i, part := range parts {
			if i == 0 {
				// MSH-2 must not be split on its own separator characters.
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part, enc))
		}
	} else {
		parts := strings.SplitN(line, fieldSep, 2)
		seg.Name = parts[0]

		if len(parts) > 1 {
			fields := strings.Split(parts[1], fieldSep)
			for _, f := range fields {
				seg.Fields = append(seg.Fields, parseField(f, enc))
			}
		}
	}

	return seg, nil
}

// parseField parses a single field, handling components and repetitions.
func parseField(raw string, enc Encoding) Field {
	f := Field{Value: raw}

	reps := strings.Split(raw, string(enc.Repetition))
	for _, rep := range reps {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(enc.Component)))
	}
	f.Components = f.Repeats[0]

	return f
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)

	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)

	return nil
}

// ParseTimestamp parses an HL7v2 timestamp (YYYYMMDD[HHMM[SS]]).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by its 1-based HL7 index.
// For MSH, index 1 is the field separator; for other segments, index 1 is the
// first field after the segment name.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(s.Fields[idx].Components) {
		return ""
	}
	return s.Fields[idx].Components[ci]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.GetComponent(5, 1), pid.GetComponent(5, 2)
}
