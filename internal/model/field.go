package model

import "time"

// BoundingBox locates a value on a page, in page-relative units (0..1).
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FieldResult is one field as returned by the extraction provider.
type FieldResult struct {
	Value      string       `json:"value"`
	Confidence float64      `json:"confidence"`
	Page       int          `json:"page,omitempty"`
	BBox       *BoundingBox `json:"bbox,omitempty"`
}

// ExtractedField is one extracted value of an Extraction.
//
// Once Verified is true, VerifiedValue is authoritative over Value.
type ExtractedField struct {
	ID                string       `json:"id"`
	ExtractionID      string       `json:"extraction_id"`
	FieldName         string       `json:"field_name"`
	Value             string       `json:"value"`
	Confidence        float64      `json:"confidence"`
	NeedsVerification bool         `json:"needs_verification"`
	Verified          bool         `json:"verified"`
	VerifiedValue     *string      `json:"verified_value,omitempty"`
	VerifiedAt        *time.Time   `json:"verified_at,omitempty"`
	Page              int          `json:"page,omitempty"`
	BBox              *BoundingBox `json:"bbox,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// EffectiveValue returns the value downstream consumers must use.
func (f *ExtractedField) EffectiveValue() string {
	if f.Verified && f.VerifiedValue != nil {
		return *f.VerifiedValue
	}
	return f.Value
}

// Overwrite replaces the provider-derived attributes with a fresh result and
// clears every verification flag. Verification rows are kept as history.
func (f *ExtractedField) Overwrite(r FieldResult) {
	f.Value = r.Value
	f.Confidence = r.Confidence
	f.Page = r.Page
	f.BBox = r.BBox
	f.Verified = false
	f.VerifiedValue = nil
	f.VerifiedAt = nil
	f.NeedsVerification = false
}
