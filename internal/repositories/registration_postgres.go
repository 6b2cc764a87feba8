package repositories

import (
	"context"
	"iter"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/utils"
)

/* ------------------------------------------------------------------
   Implementation
------------------------------------------------------------------ */

type pgRegistrationStore struct {
	db       DB
	versions PassVersionReader
}

func NewPostgresRegistrationStore(db DB, versions PassVersionReader) RegistrationStore {
	return &pgRegistrationStore{db: db, versions: versions}
}

/* ---------- Writes ---------- */

// Register upserts on the (device, serial) primary key. xmax is 0 only for
// a freshly inserted tuple, which makes the created/updated decision part of
// the same statement.
func (r *pgRegistrationStore) Register(ctx context.Context, reg models.Registration) (models.RegisterResult, error) {
	if err := validateRegistration(reg); err != nil {
		return 0, err
	}
	var inserted bool
	err := r.db.QueryRow(ctx, `
		INSERT INTO wallet_registrations (
			device_library_identifier, serial_number, pass_type_identifier,
			push_token, owning_identity, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
		ON CONFLICT (device_library_identifier, serial_number) DO UPDATE
		SET push_token=EXCLUDED.push_token,
		    pass_type_identifier=EXCLUDED.pass_type_identifier,
		    owning_identity=EXCLUDED.owning_identity,
		    updated_at=NOW()
		RETURNING (xmax = 0)
	`,
		reg.DeviceLibraryIdentifier,
		reg.SerialNumber,
		reg.PassTypeIdentifier,
		reg.PushToken,
		reg.OwningIdentity,
	).Scan(&inserted)
	if err != nil {
		return 0, err
	}
	if inserted {
		return models.RegisterCreated, nil
	}
	return models.RegisterAlreadyCurrent, nil
}

func (r *pgRegistrationStore) Unregister(ctx context.Context, device, serial, identity string) (models.UnregisterResult, error) {
	if err := validateKey(device, serial); err != nil {
		return models.UnregisterNotFound, nil
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM wallet_registrations
		WHERE device_library_identifier=$1 AND serial_number=$2 AND owning_identity=$3
	`, device, serial, identity)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 1 {
		return models.UnregisterOK, nil
	}

	// Nothing deleted: tell apart a missing row from one owned by someone else.
	var owner string
	err = r.db.QueryRow(ctx, `
		SELECT owning_identity FROM wallet_registrations
		WHERE device_library_identifier=$1 AND serial_number=$2
	`, device, serial).Scan(&owner)
	if err == pgx.ErrNoRows {
		return models.UnregisterNotFound, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, utils.ErrPermissionDenied
}

func (r *pgRegistrationStore) RemoveIfInvalid(ctx context.Context, device, serial, token string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM wallet_registrations
		WHERE device_library_identifier=$1 AND serial_number=$2 AND push_token=$3
	`, device, serial, token)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgRegistrationStore) RemoveByIdentity(ctx context.Context, identity string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM wallet_registrations WHERE owning_identity=$1`, identity)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

/* ---------- Reads ---------- */

func (r *pgRegistrationStore) ListSerialNumbers(
	ctx context.Context,
	device, passType string,
	updatedSince *time.Time,
) ([]string, error) {
	if !utils.IsValidIdentifier(device) {
		return []string{}, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT serial_number FROM wallet_registrations
		WHERE device_library_identifier=$1 AND pass_type_identifier=$2
	`, device, passType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var serials []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		serials = append(serials, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filterUpdatedSince(ctx, r.versions, serials, updatedSince)
}

// AllRegistrations reads the table in one statement and yields from the
// materialized result so no pooled connection is held while callers push.
func (r *pgRegistrationStore) AllRegistrations(ctx context.Context) iter.Seq2[models.Registration, error] {
	return func(yield func(models.Registration, error) bool) {
		rows, err := r.db.Query(ctx, baseSelectRegistration()+" ORDER BY device_library_identifier, serial_number")
		if err != nil {
			yield(models.Registration{}, err)
			return
		}
		var snapshot []models.Registration
		for rows.Next() {
			reg, err := scanRegistration(rows)
			if err != nil {
				rows.Close()
				yield(models.Registration{}, err)
				return
			}
			snapshot = append(snapshot, reg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			yield(models.Registration{}, err)
			return
		}

		for _, reg := range snapshot {
			if !yield(reg, nil) {
				return
			}
		}
	}
}

func (r *pgRegistrationStore) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_registrations`).Scan(&n)
	return n, err
}

/* ---------- internals ---------- */

func baseSelectRegistration() string {
	return `
		SELECT device_library_identifier, serial_number, pass_type_identifier,
		       push_token, owning_identity, created_at, updated_at
		FROM wallet_registrations`
}

func scanRegistration(row pgx.Row) (models.Registration, error) {
	var reg models.Registration
	err := row.Scan(
		&reg.DeviceLibraryIdentifier,
		&reg.SerialNumber,
		&reg.PassTypeIdentifier,
		&reg.PushToken,
		&reg.OwningIdentity,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	)
	return reg, err
}
