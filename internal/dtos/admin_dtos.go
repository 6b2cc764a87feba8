package dtos

import (
	"time"

	"github.com/poofware/wallet-service/internal/models"
)

type IssuePassRequest struct {
	SerialNumber       string             `json:"serial_number" yaml:"serial_number" validate:"required,max=128"`
	PassTypeIdentifier string             `json:"pass_type_identifier,omitempty" yaml:"pass_type_identifier"`
	OwningIdentity     string             `json:"owning_identity" yaml:"owning_identity" validate:"required,max=256"`
	Content            models.PassContent `json:"content" yaml:"content"`
}

type UpdatePassRequest struct {
	Content models.PassContent `json:"content"`
	// Push triggers a fanout when the content changed. Nil falls back to the
	// push_on_pass_update flag.
	Push *bool `json:"push,omitempty"`
}

type PassResponse struct {
	SerialNumber       string             `json:"serial_number"`
	PassTypeIdentifier string             `json:"pass_type_identifier"`
	OwningIdentity     string             `json:"owning_identity"`
	Version            int64              `json:"version"`
	LastModified       time.Time          `json:"last_modified"`
	Content            models.PassContent `json:"content"`
}

type UpdatePassResponse struct {
	Pass     PassResponse `json:"pass"`
	Changed  bool         `json:"changed"`
	Dispatch any          `json:"dispatch,omitempty"`
}

type DeleteRegistrationsResponse struct {
	Identity string `json:"identity"`
	Removed  int    `json:"removed"`
}

func NewPassResponse(p *models.Pass) PassResponse {
	return PassResponse{
		SerialNumber:       p.SerialNumber,
		PassTypeIdentifier: p.PassTypeIdentifier,
		OwningIdentity:     p.OwningIdentity,
		Version:            p.Version,
		LastModified:       p.LastModified,
		Content:            p.Content,
	}
}
