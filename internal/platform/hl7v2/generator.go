package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Generator builds outbound HL7v2 messages. The zero value is not usable;
// construct with NewGenerator.
type Generator struct {
	Encoding     Encoding
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Version      string

	now func() time.Time
}

// NewGenerator creates a Generator with the standard encoding characters and
// HL7 version 2.5.1.
func NewGenerator(sendingApp, sendingFac, receivingApp, receivingFac string) *Generator {
	return &Generator{
		Encoding:     DefaultEncoding(),
		SendingApp:   sendingApp,
		SendingFac:   sendingFac,
		ReceivingApp: receivingApp,
		ReceivingFac: receivingFac,
		Version:      "2.5.1",
		now:          time.Now,
	}
}

// join assembles a segment from its fields using the configured field separator.
func (g *Generator) join(fields ...string) string {
	return strings.Join(fields, string(g.Encoding.Field))
}

// comp assembles a composite value from components.
func (g *Generator) comp(components ...string) string {
	return strings.Join(components, string(g.Encoding.Component))
}

// MSH constructs the message header segment for the given type and trigger.
func (g *Generator) MSH(msgType, trigger string) string {
	now := g.now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("MB%s", now.Format("20060102150405.000"))

	return "MSH" + string(g.Encoding.Field) + g.Encoding.Chars() + string(g.Encoding.Field) +
		g.join(
			g.SendingApp,
			g.SendingFac,
			g.ReceivingApp,
			g.ReceivingFac,
			timestamp,
			"",
			g.comp(msgType, trigger),
			controlID,
			"P",
			g.Version,
		)
}

// Assemble joins segments into wire bytes with CR separators.
func Assemble(segments ...string) []byte {
	return []byte(strings.Join(segments, "\r"))
}

// GenerateADT generates an ADT message for the given trigger event ("A01",
// "A08", ...) from a FHIR Patient resource.
func (g *Generator) GenerateADT(event string, patient map[string]interface{}) ([]byte, error) {
	if patient == nil {
		return nil, fmt.Errorf("hl7v2: patient resource is required")
	}

	var segments []string
	segments = append(segments, g.MSH("ADT", event))
	segments = append(segments, g.join("EVN", event, g.now().UTC().Format("20060102150405")))
	segments = append(segments, g.buildPID(patient))

	return Assemble(segments...), nil
}

// GenerateORU generates an ORU^R01 result message from FHIR Observation
// resources and the subject Patient.
func (g *Generator) GenerateORU(observations []map[string]interface{}, patient map[string]interface{}) ([]byte, error) {
	if len(observations) == 0 {
		return nil, fmt.Errorf("hl7v2: at least one observation is required")
	}

	var segments []string
	segments = append(segments, g.MSH("ORU", "R01"))
	if patient != nil {
		segments = append(segments, g.buildPID(patient))
	}
	for i, obs := range observations {
		segments = append(segments, g.buildOBX(i+1, obs))
	}

	return Assemble(segments...), nil
}

// GenerateQuery builds a QRY message with QRD/QRF segments. what is the QRD-9
// subject filter (e.g. "RES" for results, "DEM" for demographics); whoID is
// the QRD-8 subject identifier; since optionally bounds QRF-4.
func (g *Generator) GenerateQuery(queryID, what, whoID string, since time.Time) ([]byte, error) {
	if queryID == "" {
		return nil, fmt.Errorf("hl7v2: query id is required")
	}

	now := g.now().UTC().Format("20060102150405")

	qrd := g.join("QRD", now, "R", "I", queryID, "", "", "10^RD", whoID, what, "")

	var segments []string
	segments = append(segments, g.MSH("QRY", "R02"))
	segments = append(segments, qrd)

	if !since.IsZero() {
		qrf := g.join("QRF", g.SendingFac, since.UTC().Format("20060102150405"), now)
		segments = append(segments, qrf)
	}

	return Assemble(segments...), nil
}

// GenerateACK builds an acknowledgment for an inbound message. code is the
// MSA-1 acknowledgment code: "AA" (accept), "AE" (error), "AR" (reject).
func (g *Generator) GenerateACK(original *Message, code, text string) []byte {
	var segments []string
	segments = append(segments, g.MSH("ACK", triggerOf(original.Type, g.Encoding)))
	segments = append(segments, g.join("MSA", code, original.ControlID, text))
	return Assemble(segments...)
}

// triggerOf extracts the trigger event from an MSH-9 composite like "ADT^A01".
func triggerOf(messageType string, enc Encoding) string {
	parts := strings.Split(messageType, string(enc.Component))
	if len(parts) > 1 {
		return parts[1]
	}
	return ""
}

// buildPID constructs a PID segment from a FHIR Patient resource.
func (g *Generator) buildPID(patient map[string]interface{}) string {
	patientID := ""
	if ids, ok := getArray(patient, "identifier"); ok && len(ids) > 0 {
		if id, ok := ids[0].(map[string]interface{}); ok {
			if val, ok := getString(id, "value"); ok {
				patientID = g.escape(val)
			}
		}
	}
	if patientID == "" {
		if id, ok := getString(patient, "id"); ok {
			patientID = g.escape(id)
		}
	}

	patientName := ""
	if names, ok := getArray(patient, "name"); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]interface{}); ok {
			family := ""
			given := ""
			if f, ok := getString(name, "family"); ok {
				family = g.escape(f)
			}
			if givens, ok := getArray(name, "given"); ok && len(givens) > 0 {
				if gv, ok := givens[0].(string); ok {
					given = g.escape(gv)
				}
			}
			patientName = g.comp(family, given)
		}
	}

	dob := ""
	if birthDate, ok := getString(patient, "birthDate"); ok {
		dob = strings.ReplaceAll(birthDate, "-", "")
	}

	gender := ""
	if v, ok := getString(patient, "gender"); ok {
		gender = fhirGenderToHL7(v)
	}

	return g.join("PID", "1", "", patientID, "", patientName, "", dob, gender)
}

// buildOBX constructs an OBX segment from a FHIR Observation resource.
func (g *Generator) buildOBX(setID int, obs map[string]interface{}) string {
	code := ""
	display := ""
	if cc, ok := obs["code"].(map[string]interface{}); ok {
		if codings, ok := getArray(cc, "coding"); ok && len(codings) > 0 {
			if coding, ok := codings[0].(map[string]interface{}); ok {
				if c, ok := getString(coding, "code"); ok {
					code = g.escape(c)
				}
				if d, ok := getString(coding, "display"); ok {
					display = g.escape(d)
				}
			}
		}
	}

	valueType := "ST"
	value := ""
	unit := ""
	if vq, ok := obs["valueQuantity"].(map[string]interface{}); ok {
		valueType = "NM"
		if v, ok := vq["value"].(float64); ok {
			value = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
		}
		if u, ok := getString(vq, "unit"); ok {
			unit = g.escape(u)
		}
	} else if vs, ok := getString(obs, "valueString"); ok {
		value = g.escape(vs)
	}

	status := "F"
	if st, ok := getString(obs, "status"); ok && st == "preliminary" {
		status = "P"
	}

	return g.join("OBX", fmt.Sprintf("%d", setID), valueType, g.comp(code, display), "", value, unit, "", "", "", "", status)
}

// escape replaces HL7v2 special characters with their escape sequences.
func (g *Generator) escape(s string) string {
	esc := string(g.Encoding.Escape)
	r := strings.NewReplacer(
		esc, esc+"E"+esc,
		string(g.Encoding.Field), esc+"F"+esc,
		string(g.Encoding.Component), esc+"S"+esc,
		string(g.Encoding.Repetition), esc+"R"+esc,
		string(g.Encoding.Subcomponent), esc+"T"+esc,
	)
	return r.Replace(s)
}

// PatientFromMessage maps an ADT message to a FHIR Patient resource.
func PatientFromMessage(msg *Message) (map[string]interface{}, error) {
	pid := msg.GetSegment("PID")
	if pid == nil {
		return nil, fmt.Errorf("hl7v2: message has no PID segment")
	}

	patient := map[string]interface{}{
		"resourceType": "Patient",
	}

	if id := msg.PatientID(); id != "" {
		patient["id"] = id
		patient["identifier"] = []interface{}{
			map[string]interface{}{"value": id},
		}
	}

	family, given := msg.PatientName()
	if family != "" || given != "" {
		name := map[string]interface{}{}
		if family != "" {
			name["family"] = family
		}
		if given != "" {
			name["given"] = []interface{}{given}
		}
		patient["name"] = []interface{}{name}
	}

	if dob := pid.GetField(7); len(dob) >= 8 {
		patient["birthDate"] = fmt.Sprintf("%s-%s-%s", dob[0:4], dob[4:6], dob[6:8])
	}

	if gender := pid.GetField(8); gender != "" {
		patient["gender"] = hl7GenderToFHIR(gender)
	}

	return patient, nil
}

// ObservationsFromMessage maps the OBX segments of an ORU message to FHIR
// Observation resources.
func ObservationsFromMessage(msg *Message) ([]map[string]interface{}, error) {
	obxs := msg.GetSegments("OBX")
	if len(obxs) == 0 {
		return nil, fmt.Errorf("hl7v2: message has no OBX segments")
	}

	patientID := msg.PatientID()

	var out []map[string]interface{}
	for _, obx := range obxs {
		obs := map[string]interface{}{
			"resourceType": "Observation",
			"status":       "final",
		}

		if code := obx.GetComponent(3, 1); code != "" {
			coding := map[string]interface{}{"code": code}
			if display := obx.GetComponent(3, 2); display != "" {
				coding["display"] = display
			}
			obs["code"] = map[string]interface{}{
				"coding": []interface{}{coding},
			}
		}

		valueType := obx.GetField(2)
		rawValue := obx.GetField(5)
		if valueType == "NM" && rawValue != "" {
			var v float64
			if _, err := fmt.Sscanf(rawValue, "%f", &v); err == nil {
				vq := map[string]interface{}{"value": v}
				if unit := obx.GetField(6); unit != "" {
					vq["unit"] = unit
				}
				obs["valueQuantity"] = vq
			}
		} else if rawValue != "" {
			obs["valueString"] = rawValue
		}

		if patientID != "" {
			obs["subject"] = map[string]interface{}{
				"reference": "Patient/" + patientID,
			}
		}

		out = append(out, obs)
	}

	return out, nil
}

// fhirGenderToHL7 maps a FHIR administrative gender to PID-8.
func fhirGenderToHL7(g string) string {
	switch strings.ToLower(g) {
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

// hl7GenderToFHIR maps PID-8 to a FHIR administrative gender.
func hl7GenderToFHIR(g string) string {
	switch strings.ToUpper(g) {
	case "M":
		return "male"
	case "F":
		return "female"
	case "O":
		return "other"
	default:
		return "unknown"
	}
}

func getString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func getArray(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := m[key].([]interface{})
	return v, ok
}
