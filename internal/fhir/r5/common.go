// Package r5 holds the subset of FHIR R5 needed to author medication
// schedules from a MedicationRequest.
package r5

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period bounds are FHIR dateTime values, which may be a bare date
// ("2024-03-01") or a full timestamp.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Duration is a Quantity with a temporal unit.
type Duration struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	Code  string  `json:"code,omitempty"`
}

// Common code systems
const (
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemNDC    = "http://hl7.org/fhir/sid/ndc"
	SystemMRN    = "http://hospital.example.org/mrn"
)

// Common medication request statuses
const (
	StatusActive         = "active"
	StatusOnHold         = "on-hold"
	StatusCancelled      = "cancelled"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusStopped        = "stopped"
	StatusDraft          = "draft"
	StatusUnknown        = "unknown"
)
