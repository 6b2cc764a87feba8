package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/poofware/wallet-service/internal/dtos"
	"github.com/poofware/wallet-service/internal/utils"
)

const healthTimeout = 3 * time.Second

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter is satisfied by the registration store and the pass oracle.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

type HealthController struct {
	backend       Pinger
	registrations Counter
	passes        Counter
}

func NewHealthController(backend Pinger, registrations, passes Counter) *HealthController {
	return &HealthController{backend: backend, registrations: registrations, passes: passes}
}

// GET /health
func (c *HealthController) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := c.backend.Ping(ctx); err != nil {
		utils.Logger.WithError(err).Error("wallet-service store unreachable")
		utils.RespondErrorWithCode(w, http.StatusServiceUnavailable, utils.ErrCodeInternal, "Store unreachable", nil, err)
		return
	}

	regs, err := c.registrations.Count(ctx)
	if err != nil {
		utils.RespondErrorWithCode(w, http.StatusServiceUnavailable, utils.ErrCodeInternal, "Store unreachable", nil, err)
		return
	}
	passes, err := c.passes.Count(ctx)
	if err != nil {
		utils.RespondErrorWithCode(w, http.StatusServiceUnavailable, utils.ErrCodeInternal, "Store unreachable", nil, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.HealthCheckResponse{
		Status:        "OK",
		Registrations: regs,
		Passes:        passes,
	})
}
