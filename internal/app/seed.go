package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/poofware/wallet-service/internal/dtos"
	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/services"
	"github.com/poofware/wallet-service/internal/utils"
)

// DefaultSeedSerial is the pass issued at startup when no seed file is set.
const DefaultSeedSerial = "appointment"

// SeedFile is the YAML document read from PASS_SEED_FILE.
type SeedFile struct {
	Passes []dtos.IssuePassRequest `yaml:"passes" validate:"dive"`
}

// DefaultSeed describes the single demo pass served out of the box.
func DefaultSeed() SeedFile {
	return SeedFile{Passes: []dtos.IssuePassRequest{{
		SerialNumber:   DefaultSeedSerial,
		OwningIdentity: "01234567890",
		Content: models.PassContent{
			Description:     "Description text",
			LogoText:        "Logo text",
			BarcodeMessage:  "01234567890",
			HeaderFields:    []models.PassField{{Key: "header", Label: "HEADER", Value: "Field"}},
			PrimaryFields:   []models.PassField{{Key: "event", Label: "EVENT", Value: "The Beat Goes On"}},
			SecondaryFields: []models.PassField{{Key: "loc", Label: "LOCATION", Value: "Moscone West"}},
			AuxiliaryFields: []models.PassField{{Key: "auxiliary", Label: "AUXILIARY", Value: "Field"}},
			BackFields:      []models.PassField{{Key: "back", Label: "BACK", Value: "Field"}},
		},
	}}}
}

// LoadSeedFile parses and validates a seed document.
func LoadSeedFile(path string) (SeedFile, error) {
	var seed SeedFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return seed, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if err := validator.New().Struct(seed); err != nil {
		return seed, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return seed, nil
}

// SeedPasses issues every pass in seed that does not exist yet. It is
// idempotent, so restarts against a persistent store leave passes alone.
func SeedPasses(ctx context.Context, admin *services.AdminService, seed SeedFile) (int, error) {
	issued := 0
	for _, req := range seed.Passes {
		p, err := admin.IssuePass(ctx, req)
		if errors.Is(err, utils.ErrPassExists) {
			utils.Logger.WithField("serial_number", req.SerialNumber).Debug("Seed pass already present")
			continue
		}
		if err != nil {
			return issued, fmt.Errorf("seed pass %q: %w", req.SerialNumber, err)
		}
		issued++
		utils.Logger.WithField("serial_number", p.SerialNumber).Info("Seeded pass")
	}
	return issued, nil
}
