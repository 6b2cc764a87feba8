package routes

const (
	// Health
	Health  = "/health"
	Metrics = "/metrics"

	// ───────────────────────────────
	// PassKit web service, relative to the configured path prefix
	// ───────────────────────────────
	DeviceRegistration  = "/v1/devices/{deviceLibraryIdentifier}/registrations/{passTypeIdentifier}/{serialNumber}"
	DeviceRegistrations = "/v1/devices/{deviceLibraryIdentifier}/registrations/{passTypeIdentifier}"
	LatestPass          = "/v1/passes/{passTypeIdentifier}/{serialNumber}"
	Log                 = "/v1/log"

	// ───────────────────────────────
	// Admin (Relative Paths)
	// ───────────────────────────────
	AdminBase                  = "/api/v1/admin" // Base prefix for the admin sub-router
	AdminPush                  = "/push"
	AdminPasses                = "/passes"
	AdminPass                  = "/passes/{serialNumber}"
	AdminIdentityRegistrations = "/identities/{identity}/registrations"
)

// Path variable names.
const (
	VarDeviceLibraryIdentifier = "deviceLibraryIdentifier"
	VarPassTypeIdentifier      = "passTypeIdentifier"
	VarSerialNumber            = "serialNumber"
	VarIdentity                = "identity"

	QueryPassesUpdatedSince = "passesUpdatedSince"
)
