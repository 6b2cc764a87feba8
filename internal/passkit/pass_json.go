package passkit

import (
	"time"

	"github.com/poofware/wallet-service/internal/models"
)

// passJSON is the pass.json document of an event ticket.
type passJSON struct {
	FormatVersion       int           `json:"formatVersion"`
	PassTypeIdentifier  string        `json:"passTypeIdentifier"`
	SerialNumber        string        `json:"serialNumber"`
	TeamIdentifier      string        `json:"teamIdentifier"`
	OrganizationName    string        `json:"organizationName"`
	Description         string        `json:"description"`
	LogoText            string        `json:"logoText,omitempty"`
	ForegroundColor     string        `json:"foregroundColor,omitempty"`
	BackgroundColor     string        `json:"backgroundColor,omitempty"`
	AuthenticationToken string        `json:"authenticationToken"`
	WebServiceURL       string        `json:"webServiceURL"`
	RelevantDate        string        `json:"relevantDate,omitempty"`
	Barcode             *barcode      `json:"barcode,omitempty"`
	Barcodes            []barcode     `json:"barcodes,omitempty"`
	EventTicket         passStructure `json:"eventTicket"`
}

type barcode struct {
	Format          string `json:"format"`
	Message         string `json:"message"`
	MessageEncoding string `json:"messageEncoding"`
	AltText         string `json:"altText,omitempty"`
}

type passStructure struct {
	HeaderFields    []field `json:"headerFields,omitempty"`
	PrimaryFields   []field `json:"primaryFields,omitempty"`
	SecondaryFields []field `json:"secondaryFields,omitempty"`
	AuxiliaryFields []field `json:"auxiliaryFields,omitempty"`
	BackFields      []field `json:"backFields,omitempty"`
}

type field struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
}

const (
	barcodeFormatPDF417 = "PKBarcodeFormatPDF417"
	barcodeEncoding     = "iso-8859-1"
)

func toFields(in []models.PassField) []field {
	if len(in) == 0 {
		return nil
	}
	out := make([]field, len(in))
	for i, f := range in {
		out[i] = field{Key: f.Key, Label: f.Label, Value: f.Value}
	}
	return out
}

func (b *Builder) passDocument(p *models.Pass) passJSON {
	c := p.Content

	description := c.Description
	if description == "" {
		description = b.cfg.OrganizationName
	}
	doc := passJSON{
		FormatVersion:       1,
		PassTypeIdentifier:  p.PassTypeIdentifier,
		SerialNumber:        p.SerialNumber,
		TeamIdentifier:      b.cfg.TeamIdentifier,
		OrganizationName:    b.cfg.OrganizationName,
		Description:         description,
		LogoText:            c.LogoText,
		ForegroundColor:     b.cfg.ForegroundColor,
		BackgroundColor:     b.cfg.BackgroundColor,
		AuthenticationToken: b.tokens(p.OwningIdentity),
		WebServiceURL:       b.cfg.WebServiceURL,
		EventTicket: passStructure{
			HeaderFields:    toFields(c.HeaderFields),
			PrimaryFields:   toFields(c.PrimaryFields),
			SecondaryFields: toFields(c.SecondaryFields),
			AuxiliaryFields: toFields(c.AuxiliaryFields),
			BackFields:      toFields(c.BackFields),
		},
	}
	if c.RelevantDate != nil {
		doc.RelevantDate = c.RelevantDate.UTC().Format(time.RFC3339)
	}

	message := c.BarcodeMessage
	if message == "" {
		message = p.OwningIdentity
	}
	bc := barcode{
		Format:          barcodeFormatPDF417,
		Message:         message,
		MessageEncoding: barcodeEncoding,
		AltText:         message,
	}
	doc.Barcode = &bc
	doc.Barcodes = []barcode{bc}
	return doc
}
