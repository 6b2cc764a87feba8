package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/utils"
)

/* ------------------------------------------------------------------
   Public interface
------------------------------------------------------------------ */

type PassRepository interface {
	Create(ctx context.Context, p *models.Pass) error
	GetBySerial(ctx context.Context, serial string) (*models.Pass, error)
	List(ctx context.Context) ([]*models.Pass, error)

	UpdateIfVersion(ctx context.Context, p *models.Pass, expectedVersion int64) (int64, error)
	UpdateWithRetry(ctx context.Context, serial string, mutate func(*models.Pass) error) error
}

const passUpdateMaxRetries = 3

/* ------------------------------------------------------------------
   In-memory implementation
------------------------------------------------------------------ */

type memoryPassRepo struct {
	mu     sync.RWMutex
	passes map[string]models.Pass
}

func NewMemoryPassRepository() PassRepository {
	return &memoryPassRepo{passes: make(map[string]models.Pass)}
}

func (r *memoryPassRepo) Create(_ context.Context, p *models.Pass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.passes[p.SerialNumber]; exists {
		return utils.ErrPassExists
	}
	if p.RowVersion == 0 {
		p.RowVersion = 1
	}
	r.passes[p.SerialNumber] = clonePass(*p)
	return nil
}

// GetBySerial returns (nil, nil) when the serial is unknown.
func (r *memoryPassRepo) GetBySerial(_ context.Context, serial string) (*models.Pass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.passes[serial]
	if !ok {
		return nil, nil
	}
	out := clonePass(p)
	return &out, nil
}

func (r *memoryPassRepo) List(_ context.Context) ([]*models.Pass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Pass, 0, len(r.passes))
	for _, p := range r.passes {
		c := clonePass(p)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out, nil
}

func (r *memoryPassRepo) UpdateIfVersion(_ context.Context, p *models.Pass, expectedVersion int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.passes[p.SerialNumber]
	if !ok || cur.RowVersion != expectedVersion {
		return 0, nil
	}
	next := clonePass(*p)
	next.RowVersion = expectedVersion + 1
	r.passes[p.SerialNumber] = next
	return 1, nil
}

func (r *memoryPassRepo) UpdateWithRetry(ctx context.Context, serial string, mutate func(*models.Pass) error) error {
	return WithRetry(ctx, passUpdateMaxRetries, serial, r.GetBySerial, r.UpdateIfVersion, mutate)
}

func clonePass(p models.Pass) models.Pass {
	c := p
	c.Content.HeaderFields = append([]models.PassField(nil), p.Content.HeaderFields...)
	c.Content.PrimaryFields = append([]models.PassField(nil), p.Content.PrimaryFields...)
	c.Content.SecondaryFields = append([]models.PassField(nil), p.Content.SecondaryFields...)
	c.Content.AuxiliaryFields = append([]models.PassField(nil), p.Content.AuxiliaryFields...)
	c.Content.BackFields = append([]models.PassField(nil), p.Content.BackFields...)
	if p.Content.RelevantDate != nil {
		d := *p.Content.RelevantDate
		c.Content.RelevantDate = &d
	}
	return c
}

/* ------------------------------------------------------------------
   Postgres implementation
------------------------------------------------------------------ */

type pgPassRepo struct {
	db   DB
	base *BaseVersionedRepo[*models.Pass]
}

func NewPostgresPassRepository(db DB) PassRepository {
	return &pgPassRepo{
		db:   db,
		base: NewBaseRepo(db, baseSelectPass()+" WHERE serial_number=$1", scanPass),
	}
}

/* ---------- Create ---------- */

func (r *pgPassRepo) Create(ctx context.Context, p *models.Pass) error {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return err
	}
	if p.RowVersion == 0 {
		p.RowVersion = 1
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO wallet_passes (
			serial_number, pass_type_identifier, owning_identity, content,
			content_hash, version, last_modified, row_version, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		p.SerialNumber,
		p.PassTypeIdentifier,
		p.OwningIdentity,
		content,
		p.ContentHash,
		p.Version,
		p.LastModified,
		p.RowVersion,
		p.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return utils.ErrPassExists
	}
	return err
}

/* ---------- Reads ---------- */

func (r *pgPassRepo) GetBySerial(ctx context.Context, serial string) (*models.Pass, error) {
	return r.base.GetByID(ctx, serial)
}

func (r *pgPassRepo) List(ctx context.Context) ([]*models.Pass, error) {
	rows, err := r.db.Query(ctx, baseSelectPass()+" ORDER BY serial_number")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Pass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

/* ---------- Update ---------- */

func (r *pgPassRepo) UpdateIfVersion(ctx context.Context, p *models.Pass, expectedVersion int64) (int64, error) {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return 0, err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE wallet_passes
		SET owning_identity=$1, content=$2, content_hash=$3, version=$4,
		    last_modified=$5, row_version=row_version+1
		WHERE serial_number=$6 AND row_version=$7
	`,
		p.OwningIdentity,
		content,
		p.ContentHash,
		p.Version,
		p.LastModified,
		p.SerialNumber,
		expectedVersion,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *pgPassRepo) UpdateWithRetry(ctx context.Context, serial string, mutate func(*models.Pass) error) error {
	return r.base.UpdateWithRetry(ctx, serial, mutate, r.UpdateIfVersion)
}

/* ---------- internals ---------- */

func baseSelectPass() string {
	return `
		SELECT serial_number, pass_type_identifier, owning_identity, content,
		       content_hash, version, last_modified, row_version, created_at
		FROM wallet_passes`
}

func scanPass(row pgx.Row) (*models.Pass, error) {
	var (
		p       models.Pass
		content []byte
	)
	if err := row.Scan(
		&p.SerialNumber,
		&p.PassTypeIdentifier,
		&p.OwningIdentity,
		&content,
		&p.ContentHash,
		&p.Version,
		&p.LastModified,
		&p.RowVersion,
		&p.CreatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(content, &p.Content); err != nil {
		return nil, err
	}
	p.LastModified = p.LastModified.UTC()
	return &p, nil
}
