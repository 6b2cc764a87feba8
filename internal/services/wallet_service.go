package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/poofware/wallet-service/internal/metrics"
	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/repositories"
	"github.com/poofware/wallet-service/internal/utils"
)

// PassFetch is the result of a conditional pass download. Artifact is nil
// when the client copy is current.
type PassFetch struct {
	NotModified  bool
	Version      int64
	LastModified time.Time
	Artifact     *Artifact
}

// SerialNumbers answers a device asking which passes changed.
type SerialNumbers struct {
	LastUpdated   time.Time
	SerialNumbers []string
}

// WalletService implements the device-facing web service protocol. Returned
// errors are *utils.AppError.
type WalletService interface {
	RegisterDevice(ctx context.Context, authorization, device, passType, serial, pushToken string) (models.RegisterResult, error)
	UnregisterDevice(ctx context.Context, authorization, device, passType, serial string) error
	ListUpdatedSerials(ctx context.Context, device, passType string, updatedSince *time.Time) (*SerialNumbers, error)
	FetchPass(ctx context.Context, authorization, passType, serial string, ifModifiedSince *time.Time) (*PassFetch, error)
	LogClientMessages(ctx context.Context, messages []string)
}

type walletService struct {
	store            repositories.RegistrationStore
	gate             AuthenticationGate
	oracle           PassVersionOracle
	passTypes        map[string]struct{}
	conditionalFetch bool
	metrics          *metrics.Metrics
	now              func() time.Time
}

func NewWalletService(
	store repositories.RegistrationStore,
	gate AuthenticationGate,
	oracle PassVersionOracle,
	passTypes []string,
	conditionalFetch bool,
	m *metrics.Metrics,
) WalletService {
	known := make(map[string]struct{}, len(passTypes))
	for _, pt := range passTypes {
		known[pt] = struct{}{}
	}
	return &walletService{
		store:            store,
		gate:             gate,
		oracle:           oracle,
		passTypes:        known,
		conditionalFetch: conditionalFetch,
		metrics:          m,
		now:              time.Now,
	}
}

func (s *walletService) knownPassType(passType string) bool {
	_, ok := s.passTypes[passType]
	return ok
}

// ------------------------------------------------------------------
// Registration
// ------------------------------------------------------------------

func (s *walletService) RegisterDevice(
	ctx context.Context,
	authorization, device, passType, serial, pushToken string,
) (models.RegisterResult, error) {
	device = utils.SanitizeIdentifier("device_library_identifier", device)
	passType = utils.SanitizeIdentifier("pass_type_identifier", passType)
	serial = utils.SanitizeIdentifier("serial_number", serial)
	if device == "" || passType == "" || serial == "" {
		return 0, badRequest("Invalid device, pass type or serial number", utils.ErrInvalidKey)
	}
	if !s.knownPassType(passType) {
		return 0, notFound("Unknown pass type", utils.ErrUnknownPassType)
	}

	identity, err := s.gate.Authenticate(ctx, authorization, serial)
	if err != nil {
		s.metrics.Registration("register", "unauthorized")
		return 0, authOrInternal(err)
	}
	if err := s.checkPassType(ctx, serial, passType); err != nil {
		return 0, err
	}

	res, err := s.store.Register(ctx, models.Registration{
		DeviceLibraryIdentifier: device,
		PassTypeIdentifier:      passType,
		SerialNumber:            serial,
		PushToken:               pushToken,
		OwningIdentity:          identity,
	})
	if errors.Is(err, utils.ErrInvalidKey) {
		return 0, badRequest("Invalid registration", err)
	}
	if err != nil {
		return 0, internal(err)
	}

	s.metrics.Registration("register", res.String())
	utils.Logger.WithFields(logrus.Fields{
		"device_library_identifier": device,
		"serial_number":             serial,
		"result":                    res.String(),
	}).Info("Device registered for pass updates")
	return res, nil
}

func (s *walletService) UnregisterDevice(
	ctx context.Context,
	authorization, device, passType, serial string,
) error {
	device = utils.SanitizeIdentifier("device_library_identifier", device)
	passType = utils.SanitizeIdentifier("pass_type_identifier", passType)
	serial = utils.SanitizeIdentifier("serial_number", serial)

	identity, err := s.gate.Authenticate(ctx, authorization, serial)
	if err != nil {
		s.metrics.Registration("unregister", "unauthorized")
		return authOrInternal(err)
	}

	res, err := s.store.Unregister(ctx, device, serial, identity)
	switch {
	case errors.Is(err, utils.ErrPermissionDenied):
		// another identity's registration looks the same as none at all
		res = models.UnregisterNotFound
	case err != nil:
		return internal(err)
	}

	s.metrics.Registration("unregister", res.String())
	utils.Logger.WithFields(logrus.Fields{
		"device_library_identifier": device,
		"pass_type_identifier":      passType,
		"serial_number":             serial,
		"result":                    res.String(),
	}).Info("Device unregistered from pass updates")
	return nil
}

// ListUpdatedSerials returns the serials registered by device whose pass
// changed at or after updatedSince. LastUpdated is the newest LastModified
// among all of the device's passes of that type.
func (s *walletService) ListUpdatedSerials(
	ctx context.Context,
	device, passType string,
	updatedSince *time.Time,
) (*SerialNumbers, error) {
	device = utils.SanitizeIdentifier("device_library_identifier", device)
	passType = utils.SanitizeIdentifier("pass_type_identifier", passType)
	if !s.knownPassType(passType) {
		return nil, notFound("Unknown pass type", utils.ErrUnknownPassType)
	}

	all, err := s.store.ListSerialNumbers(ctx, device, passType, nil)
	if err != nil {
		return nil, internal(err)
	}

	var newest time.Time
	for _, serial := range all {
		lm, err := s.oracle.LastModified(ctx, serial)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, internal(err)
		}
		if lm.After(newest) {
			newest = lm
		}
	}
	if newest.IsZero() {
		newest = s.now().UTC()
	}

	serials := all
	if updatedSince != nil {
		serials, err = s.store.ListSerialNumbers(ctx, device, passType, updatedSince)
		if err != nil {
			return nil, internal(err)
		}
	}
	return &SerialNumbers{LastUpdated: newest, SerialNumbers: serials}, nil
}

// ------------------------------------------------------------------
// Pass download
// ------------------------------------------------------------------

func (s *walletService) FetchPass(
	ctx context.Context,
	authorization, passType, serial string,
	ifModifiedSince *time.Time,
) (*PassFetch, error) {
	passType = utils.SanitizeIdentifier("pass_type_identifier", passType)
	serial = utils.SanitizeIdentifier("serial_number", serial)
	if serial == "" || !s.knownPassType(passType) {
		return nil, notFound("Pass not found", utils.ErrPassNotFound)
	}
	if err := s.checkPassType(ctx, serial, passType); err != nil {
		return nil, err
	}

	if _, err := s.gate.Authenticate(ctx, authorization, serial); err != nil {
		return nil, authOrInternal(err)
	}

	if s.conditionalFetch {
		refresh, err := s.oracle.NeedsRefresh(ctx, serial, ifModifiedSince)
		if isNotFound(err) {
			return nil, notFound("Pass not found", err)
		}
		if err != nil {
			return nil, internal(err)
		}
		if !refresh {
			v, err := s.oracle.CurrentVersion(ctx, serial)
			if err != nil {
				return nil, internal(err)
			}
			return &PassFetch{NotModified: true, Version: v.Version, LastModified: v.LastModified}, nil
		}
	}

	a, err := s.oracle.Materialize(ctx, serial)
	if isNotFound(err) {
		return nil, notFound("Pass not found", err)
	}
	if err != nil {
		return nil, internal(err)
	}
	return &PassFetch{Version: a.Version, LastModified: a.LastModified, Artifact: a}, nil
}

// checkPassType rejects a serial that exists under another pass type.
func (s *walletService) checkPassType(ctx context.Context, serial, passType string) error {
	p, err := s.oracle.Get(ctx, serial)
	if isNotFound(err) {
		return notFound("Pass not found", err)
	}
	if err != nil {
		return internal(err)
	}
	if p.PassTypeIdentifier != passType {
		return notFound("Pass not found", utils.ErrUnknownPassType)
	}
	return nil
}

// ------------------------------------------------------------------
// Client logs
// ------------------------------------------------------------------

func (s *walletService) LogClientMessages(_ context.Context, messages []string) {
	for _, m := range messages {
		utils.Logger.WithField("source", "wallet_client").Error(utils.FlattenLogLine(m))
	}
}
