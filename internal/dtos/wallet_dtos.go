package dtos

// RegisterDeviceRequest is the body a device posts when it adds a pass.
type RegisterDeviceRequest struct {
	PushToken string `json:"pushToken" validate:"required,max=512"`
}

type SerialNumbersResponse struct {
	LastUpdated   string   `json:"lastUpdated"`
	SerialNumbers []string `json:"serialNumbers"`
}

type LogRequest struct {
	Logs []string `json:"logs" validate:"max=1000"`
}

type HealthCheckResponse struct {
	Status        string `json:"status"`
	Registrations int    `json:"registrations"`
	Passes        int    `json:"passes"`
}
