package models

import "time"

// Registration is a device's standing interest in updates for one pass.
// Values are treated as immutable once handed to a store.
type Registration struct {
	DeviceLibraryIdentifier string    `json:"device_library_identifier"`
	PassTypeIdentifier      string    `json:"pass_type_identifier"`
	SerialNumber            string    `json:"serial_number"`
	PushToken               string    `json:"push_token"`
	OwningIdentity          string    `json:"owning_identity"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// RegistrationKey identifies a registration; at most one exists per key.
type RegistrationKey struct {
	DeviceLibraryIdentifier string
	SerialNumber            string
}

func (r *Registration) Key() RegistrationKey {
	return RegistrationKey{
		DeviceLibraryIdentifier: r.DeviceLibraryIdentifier,
		SerialNumber:            r.SerialNumber,
	}
}

type RegisterResult int

const (
	RegisterCreated RegisterResult = iota + 1
	RegisterAlreadyCurrent
)

func (r RegisterResult) String() string {
	switch r {
	case RegisterCreated:
		return "created"
	case RegisterAlreadyCurrent:
		return "already_current"
	default:
		return "unknown"
	}
}

type UnregisterResult int

const (
	UnregisterOK UnregisterResult = iota + 1
	UnregisterNotFound
)

func (r UnregisterResult) String() string {
	switch r {
	case UnregisterOK:
		return "ok"
	case UnregisterNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}
