package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/poofware/wallet-service/internal/metrics"
	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/repositories"
	"github.com/poofware/wallet-service/internal/utils"
)

const (
	artifactCacheTTL     = time.Hour
	artifactCacheCleanup = 10 * time.Minute
)

// ArtifactBuilder renders the signed, zipped pass bundle for one pass
// snapshot.
type ArtifactBuilder interface {
	Build(ctx context.Context, pass *models.Pass) ([]byte, error)
}

// Artifact is a built pass together with the version it was built from.
type Artifact struct {
	Bytes        []byte
	Version      int64
	LastModified time.Time
}

type PassVersionOracle interface {
	CurrentVersion(ctx context.Context, serial string) (models.PassVersion, error)
	NeedsRefresh(ctx context.Context, serial string, clientLastModified *time.Time) (bool, error)
	Materialize(ctx context.Context, serial string) (*Artifact, error)

	Get(ctx context.Context, serial string) (*models.Pass, error)
	Issue(ctx context.Context, pass *models.Pass) (*models.Pass, error)
	UpdateContent(ctx context.Context, serial string, content models.PassContent) (*models.Pass, bool, error)
	Owner(ctx context.Context, serial string) (string, error)
	LastModified(ctx context.Context, serial string) (time.Time, error)
	Count(ctx context.Context) (int, error)
}

type passVersionOracle struct {
	repo      repositories.PassRepository
	builder   ArtifactBuilder
	artifacts *cache.Cache
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewPassVersionOracle(
	repo repositories.PassRepository,
	builder ArtifactBuilder,
	m *metrics.Metrics,
) PassVersionOracle {
	return &passVersionOracle{
		repo:      repo,
		builder:   builder,
		artifacts: cache.New(artifactCacheTTL, artifactCacheCleanup),
		metrics:   m,
		now:       time.Now,
	}
}

// ------------------------------------------------------------------
// Reads
// ------------------------------------------------------------------

// Get returns the pass or utils.ErrPassNotFound.
func (o *passVersionOracle) Get(ctx context.Context, serial string) (*models.Pass, error) {
	p, err := o.repo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, utils.ErrPassNotFound
	}
	return p, nil
}

func (o *passVersionOracle) CurrentVersion(ctx context.Context, serial string) (models.PassVersion, error) {
	p, err := o.Get(ctx, serial)
	if err != nil {
		return models.PassVersion{}, err
	}
	return p.PassVersion, nil
}

// NeedsRefresh is true when the client has no copy or its copy is strictly
// older than the current LastModified.
func (o *passVersionOracle) NeedsRefresh(ctx context.Context, serial string, clientLastModified *time.Time) (bool, error) {
	v, err := o.CurrentVersion(ctx, serial)
	if err != nil {
		return false, err
	}
	if clientLastModified == nil {
		return true, nil
	}
	return clientLastModified.Before(v.LastModified), nil
}

func (o *passVersionOracle) Owner(ctx context.Context, serial string) (string, error) {
	p, err := o.Get(ctx, serial)
	if err != nil {
		return "", err
	}
	return p.OwningIdentity, nil
}

func (o *passVersionOracle) LastModified(ctx context.Context, serial string) (time.Time, error) {
	v, err := o.CurrentVersion(ctx, serial)
	if err != nil {
		return time.Time{}, err
	}
	return v.LastModified, nil
}

func (o *passVersionOracle) Count(ctx context.Context) (int, error) {
	list, err := o.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// Materialize returns the artifact for the current version, building it at
// most once per (serial, version).
func (o *passVersionOracle) Materialize(ctx context.Context, serial string) (*Artifact, error) {
	p, err := o.Get(ctx, serial)
	if err != nil {
		return nil, err
	}

	key := serial + ":" + strconv.FormatInt(p.Version, 10)
	if cached, ok := o.artifacts.Get(key); ok {
		o.metrics.ArtifactServed(true)
		return cached.(*Artifact), nil
	}

	b, err := o.builder.Build(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("build artifact for %s v%d: %w", serial, p.Version, err)
	}
	a := &Artifact{Bytes: b, Version: p.Version, LastModified: p.LastModified}
	o.artifacts.Set(key, a, cache.DefaultExpiration)
	o.metrics.ArtifactServed(false)

	utils.Logger.WithFields(logrus.Fields{
		"serial_number": serial,
		"version":       p.Version,
		"bytes":         len(b),
	}).Debug("Built pass artifact")
	return a, nil
}

// ------------------------------------------------------------------
// Writes
// ------------------------------------------------------------------

// Issue stores a new pass at version 1.
func (o *passVersionOracle) Issue(ctx context.Context, pass *models.Pass) (*models.Pass, error) {
	if !utils.IsValidIdentifier(pass.SerialNumber) || !utils.IsValidIdentifier(pass.PassTypeIdentifier) {
		return nil, utils.ErrInvalidKey
	}
	now := o.now().UTC()
	p := *pass
	p.ContentHash = p.Content.Hash()
	p.PassVersion = models.PassVersion{
		Version:      1,
		LastModified: models.NextLastModified(time.Time{}, now),
	}
	p.RowVersion = 1
	p.CreatedAt = now

	if err := o.repo.Create(ctx, &p); err != nil {
		return nil, err
	}
	utils.Logger.WithFields(logrus.Fields{
		"serial_number": p.SerialNumber,
		"owner":         p.OwningIdentity,
	}).Info("Issued pass")
	return &p, nil
}

var errContentUnchanged = errors.New("content unchanged")

// UpdateContent replaces the pass content. Version and LastModified move
// only when the content hash changes.
func (o *passVersionOracle) UpdateContent(
	ctx context.Context,
	serial string,
	content models.PassContent,
) (*models.Pass, bool, error) {
	hash := content.Hash()
	var updated *models.Pass

	err := o.repo.UpdateWithRetry(ctx, serial, func(p *models.Pass) error {
		if p.ContentHash == hash {
			updated = p
			return errContentUnchanged
		}
		p.Content = content
		p.ContentHash = hash
		p.Version++
		p.LastModified = models.NextLastModified(p.LastModified, o.now())
		updated = p
		return nil
	})
	if errors.Is(err, errContentUnchanged) {
		return updated, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	utils.Logger.WithFields(logrus.Fields{
		"serial_number": serial,
		"version":       updated.Version,
		"last_modified": updated.LastModified,
	}).Info("Pass content changed")
	return updated, true, nil
}
