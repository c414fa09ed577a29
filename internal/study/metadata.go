// Package study describes the per-study metadata that travels with every
// uploaded archive.
package study

import (
	"strings"
)

// Fallback values used when an arrival omits a field.
const (
	NotAvailable    = "N/A"
	UnknownModality = "UNKNOWN"
	zeroMeasure     = "0"
)

// Metadata holds the study and patient attributes captured from the first
// file received for a patient. Field tags name the multipart form fields sent
// to the upload endpoint.
type Metadata struct {
	PatientSex       string `json:"patient_sex"`
	PatientAge       string `json:"patient_age"`
	PatientSize      string `json:"patient_size"`
	PatientWeight    string `json:"patient_weight"`
	PatientPosition  string `json:"patient_position"`
	StudyInstanceUID string `json:"study_instance_uid"`
	StudyID          string `json:"study_id"`
	StudyDate        string `json:"study_date"`
	StudyTime        string `json:"study_time"`
	StudyDescription string `json:"study_description"`
	Modality         string `json:"modality"`
	ImageType        string `json:"image_type"`
	ProtocolName     string `json:"protocol_name"`
	TechnicianEmail  string `json:"technician_email"`
}

// Field is one named multipart form value.
type Field struct {
	Name  string
	Value string
}

// WithDefaults returns a copy with blank fields replaced by their fallbacks.
// TechnicianEmail has no fallback; it comes from configuration.
func (m Metadata) WithDefaults() Metadata {
	fill := func(value, fallback string) string {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
		return fallback
	}
	out := m
	out.PatientSex = fill(m.PatientSex, NotAvailable)
	out.PatientAge = fill(m.PatientAge, NotAvailable)
	out.PatientSize = fill(m.PatientSize, zeroMeasure)
	out.PatientWeight = fill(m.PatientWeight, zeroMeasure)
	out.PatientPosition = fill(m.PatientPosition, NotAvailable)
	out.StudyInstanceUID = fill(m.StudyInstanceUID, NotAvailable)
	out.StudyID = fill(m.StudyID, NotAvailable)
	out.StudyDate = fill(m.StudyDate, NotAvailable)
	out.StudyTime = fill(m.StudyTime, NotAvailable)
	out.StudyDescription = fill(m.StudyDescription, NotAvailable)
	out.Modality = strings.ToUpper(fill(m.Modality, UnknownModality))
	out.ImageType = fill(m.ImageType, NotAvailable)
	out.ProtocolName = fill(m.ProtocolName, NotAvailable)
	out.TechnicianEmail = strings.TrimSpace(m.TechnicianEmail)
	return out
}

// FormFields returns the metadata as ordered form fields.
func (m Metadata) FormFields() []Field {
	return []Field{
		{"patient_sex", m.PatientSex},
		{"patient_age", m.PatientAge},
		{"patient_size", m.PatientSize},
		{"patient_weight", m.PatientWeight},
		{"patient_position", m.PatientPosition},
		{"study_instance_uid", m.StudyInstanceUID},
		{"study_id", m.StudyID},
		{"study_date", m.StudyDate},
		{"study_time", m.StudyTime},
		{"study_description", m.StudyDescription},
		{"modality", m.Modality},
		{"image_type", m.ImageType},
		{"protocol_name", m.ProtocolName},
		{"technician_email", m.TechnicianEmail},
	}
}

// FieldNames lists the form field names FromForm understands, in FormFields order.
func FieldNames() []string {
	fields := Metadata{}.FormFields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// FromForm builds metadata from form values keyed by field name. Unknown keys
// are ignored; technician_email is never taken from the caller.
func FromForm(get func(name string) string) Metadata {
	return Metadata{
		PatientSex:       get("patient_sex"),
		PatientAge:       get("patient_age"),
		PatientSize:      get("patient_size"),
		PatientWeight:    get("patient_weight"),
		PatientPosition:  get("patient_position"),
		StudyInstanceUID: get("study_instance_uid"),
		StudyID:          get("study_id"),
		StudyDate:        get("study_date"),
		StudyTime:        get("study_time"),
		StudyDescription: get("study_description"),
		Modality:         get("modality"),
		ImageType:        get("image_type"),
		ProtocolName:     get("protocol_name"),
	}
}
