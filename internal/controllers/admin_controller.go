package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/poofware/wallet-service/internal/dtos"
	"github.com/poofware/wallet-service/internal/middleware"
	"github.com/poofware/wallet-service/internal/routes"
	"github.com/poofware/wallet-service/internal/services"
	"github.com/poofware/wallet-service/internal/utils"
)

type AdminController struct {
	adminService *services.AdminService
	validate     *validator.Validate
}

func NewAdminController(adminService *services.AdminService) *AdminController {
	return &AdminController{
		adminService: adminService,
		validate:     validator.New(),
	}
}

// POST /api/v1/admin/passes
func (c *AdminController) IssuePassHandler(w http.ResponseWriter, r *http.Request) {
	var req dtos.IssuePassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid JSON payload", nil, err)
		return
	}
	if err := c.validate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", nil, err)
		return
	}

	p, err := c.adminService.IssuePass(r.Context(), req)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}

	utils.Logger.WithField("admin_id", middleware.AdminID(r.Context())).
		WithField("serial_number", p.SerialNumber).Info("Admin issued pass")
	utils.RespondWithJSON(w, http.StatusCreated, dtos.NewPassResponse(p))
}

// PUT /api/v1/admin/passes/{serialNumber}
func (c *AdminController) UpdatePassHandler(w http.ResponseWriter, r *http.Request) {
	var req dtos.UpdatePassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid JSON payload", nil, err)
		return
	}
	if err := c.validate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", nil, err)
		return
	}

	serial := utils.SanitizeIdentifier("serial_number", mux.Vars(r)[routes.VarSerialNumber])
	resp, err := c.adminService.UpdatePass(r.Context(), serial, req)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// POST /api/v1/admin/push
func (c *AdminController) TriggerDispatchHandler(w http.ResponseWriter, r *http.Request) {
	utils.Logger.WithField("admin_id", middleware.AdminID(r.Context())).Info("Admin triggered update fanout")

	report, err := c.adminService.TriggerDispatch(r.Context())
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, report)
}

// DELETE /api/v1/admin/identities/{identity}/registrations
func (c *AdminController) DeleteIdentityRegistrationsHandler(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)[routes.VarIdentity]

	n, err := c.adminService.DeleteIdentityRegistrations(r.Context(), identity)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, dtos.DeleteRegistrationsResponse{Identity: identity, Removed: n})
}
