package repositories

import (
	"context"
	"errors"
	"iter"
	"sort"
	"time"

	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/utils"
)

// RegistrationStore is the directory of devices interested in pass updates.
// Implementations are safe for concurrent use without caller-side locking.
type RegistrationStore interface {
	Register(ctx context.Context, reg models.Registration) (models.RegisterResult, error)
	Unregister(ctx context.Context, device, serial, identity string) (models.UnregisterResult, error)
	ListSerialNumbers(ctx context.Context, device, passType string, updatedSince *time.Time) ([]string, error)
	AllRegistrations(ctx context.Context) iter.Seq2[models.Registration, error]
	RemoveIfInvalid(ctx context.Context, device, serial, token string) (bool, error)
	RemoveByIdentity(ctx context.Context, identity string) (int, error)
	Count(ctx context.Context) (int, error)
}

// PassVersionReader resolves the last content change of a pass. It returns
// utils.ErrPassNotFound for unknown serial numbers.
type PassVersionReader interface {
	LastModified(ctx context.Context, serial string) (time.Time, error)
}

func validateKey(device, serial string) error {
	if !utils.IsValidIdentifier(device) || !utils.IsValidIdentifier(serial) {
		return utils.ErrInvalidKey
	}
	return nil
}

func validateRegistration(reg models.Registration) error {
	if err := validateKey(reg.DeviceLibraryIdentifier, reg.SerialNumber); err != nil {
		return err
	}
	if !utils.IsValidIdentifier(reg.PassTypeIdentifier) || reg.PushToken == "" || reg.OwningIdentity == "" {
		return utils.ErrInvalidKey
	}
	return nil
}

// filterUpdatedSince keeps the serials whose pass changed at or after since.
// A nil since keeps every serial. The result is sorted.
func filterUpdatedSince(
	ctx context.Context,
	versions PassVersionReader,
	serials []string,
	since *time.Time,
) ([]string, error) {
	out := make([]string, 0, len(serials))
	for _, serial := range serials {
		if since == nil {
			out = append(out, serial)
			continue
		}
		lastModified, err := versions.LastModified(ctx, serial)
		if errors.Is(err, utils.ErrPassNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !lastModified.Before(*since) {
			out = append(out, serial)
		}
	}
	sort.Strings(out)
	return out, nil
}
