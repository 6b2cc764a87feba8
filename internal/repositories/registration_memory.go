package repositories

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/utils"
)

// memoryRegistrationStore keeps one immutable *models.Registration per key in
// a sync.Map. Every mutation is a compare-and-swap on a single key, so
// writers only contend when they touch the same (device, serial) pair.
type memoryRegistrationStore struct {
	versions PassVersionReader
	entries  sync.Map // models.RegistrationKey -> *models.Registration
	now      func() time.Time
}

func NewMemoryRegistrationStore(versions PassVersionReader) RegistrationStore {
	return &memoryRegistrationStore{
		versions: versions,
		now:      time.Now,
	}
}

func (s *memoryRegistrationStore) Register(_ context.Context, reg models.Registration) (models.RegisterResult, error) {
	if err := validateRegistration(reg); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	key := reg.Key()

	fresh := reg
	fresh.CreatedAt = now
	fresh.UpdatedAt = now

	for {
		existing, loaded := s.entries.LoadOrStore(key, &fresh)
		if !loaded {
			return models.RegisterCreated, nil
		}
		cur := existing.(*models.Registration)
		if cur.PushToken == reg.PushToken &&
			cur.OwningIdentity == reg.OwningIdentity &&
			cur.PassTypeIdentifier == reg.PassTypeIdentifier {
			return models.RegisterAlreadyCurrent, nil
		}

		updated := *cur
		updated.PushToken = reg.PushToken
		updated.OwningIdentity = reg.OwningIdentity
		updated.PassTypeIdentifier = reg.PassTypeIdentifier
		updated.UpdatedAt = now
		if s.entries.CompareAndSwap(key, cur, &updated) {
			return models.RegisterAlreadyCurrent, nil
		}
		// lost the race against another writer or a delete – start over
	}
}

func (s *memoryRegistrationStore) Unregister(_ context.Context, device, serial, identity string) (models.UnregisterResult, error) {
	if err := validateKey(device, serial); err != nil {
		return models.UnregisterNotFound, nil
	}
	key := models.RegistrationKey{DeviceLibraryIdentifier: device, SerialNumber: serial}

	for {
		existing, ok := s.entries.Load(key)
		if !ok {
			return models.UnregisterNotFound, nil
		}
		cur := existing.(*models.Registration)
		if cur.OwningIdentity != identity {
			return 0, utils.ErrPermissionDenied
		}
		if s.entries.CompareAndDelete(key, cur) {
			return models.UnregisterOK, nil
		}
	}
}

func (s *memoryRegistrationStore) ListSerialNumbers(
	ctx context.Context,
	device, passType string,
	updatedSince *time.Time,
) ([]string, error) {
	if !utils.IsValidIdentifier(device) {
		return []string{}, nil
	}
	var serials []string
	s.entries.Range(func(_, value any) bool {
		reg := value.(*models.Registration)
		if reg.DeviceLibraryIdentifier == device && reg.PassTypeIdentifier == passType {
			serials = append(serials, reg.SerialNumber)
		}
		return true
	})
	return filterUpdatedSince(ctx, s.versions, serials, updatedSince)
}

func (s *memoryRegistrationStore) AllRegistrations(ctx context.Context) iter.Seq2[models.Registration, error] {
	return func(yield func(models.Registration, error) bool) {
		s.entries.Range(func(_, value any) bool {
			if err := ctx.Err(); err != nil {
				yield(models.Registration{}, err)
				return false
			}
			return yield(*value.(*models.Registration), nil)
		})
	}
}

func (s *memoryRegistrationStore) RemoveIfInvalid(_ context.Context, device, serial, token string) (bool, error) {
	key := models.RegistrationKey{DeviceLibraryIdentifier: device, SerialNumber: serial}
	existing, ok := s.entries.Load(key)
	if !ok {
		return false, nil
	}
	cur := existing.(*models.Registration)
	if cur.PushToken != token {
		// superseded by a re-registration with a fresh token
		return false, nil
	}
	return s.entries.CompareAndDelete(key, cur), nil
}

func (s *memoryRegistrationStore) RemoveByIdentity(_ context.Context, identity string) (int, error) {
	removed := 0
	s.entries.Range(func(key, value any) bool {
		cur := value.(*models.Registration)
		if cur.OwningIdentity == identity && s.entries.CompareAndDelete(key, cur) {
			removed++
		}
		return true
	})
	return removed, nil
}

func (s *memoryRegistrationStore) Count(_ context.Context) (int, error) {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n, nil
}
