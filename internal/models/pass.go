package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// PassVersion is the content generation marker of a pass instance.
type PassVersion struct {
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

// PassField is one label/value pair rendered on the pass.
type PassField struct {
	Key   string `json:"key" yaml:"key" validate:"required"`
	Label string `json:"label,omitempty" yaml:"label"`
	Value string `json:"value" yaml:"value"`
}

// PassContent is the logical field data handed to the artifact builder.
type PassContent struct {
	Description     string      `json:"description,omitempty" yaml:"description"`
	LogoText        string      `json:"logo_text,omitempty" yaml:"logo_text"`
	BarcodeMessage  string      `json:"barcode_message,omitempty" yaml:"barcode_message"`
	RelevantDate    *time.Time  `json:"relevant_date,omitempty" yaml:"relevant_date"`
	HeaderFields    []PassField `json:"header_fields,omitempty" yaml:"header_fields" validate:"dive"`
	PrimaryFields   []PassField `json:"primary_fields,omitempty" yaml:"primary_fields" validate:"dive"`
	SecondaryFields []PassField `json:"secondary_fields,omitempty" yaml:"secondary_fields" validate:"dive"`
	AuxiliaryFields []PassField `json:"auxiliary_fields,omitempty" yaml:"auxiliary_fields" validate:"dive"`
	BackFields      []PassField `json:"back_fields,omitempty" yaml:"back_fields" validate:"dive"`
}

// Hash returns the SHA-256 of the canonical JSON encoding of the content.
func (c PassContent) Hash() string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Pass is a pass instance together with its current version.
type Pass struct {
	SerialNumber       string      `json:"serial_number"`
	PassTypeIdentifier string      `json:"pass_type_identifier"`
	OwningIdentity     string      `json:"owning_identity"`
	Content            PassContent `json:"content"`
	ContentHash        string      `json:"content_hash"`
	PassVersion
	Versioned
	CreatedAt time.Time `json:"created_at"`
}

func (p *Pass) GetID() string {
	return p.SerialNumber
}

// NextLastModified returns the LastModified for a new content generation:
// whole seconds, never earlier than now and always after prev.
func NextLastModified(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(time.Second)
	if !prev.IsZero() && !next.After(prev) {
		next = prev.UTC().Truncate(time.Second).Add(time.Second)
	}
	return next
}
