package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/poofware/wallet-service/internal/dtos"
	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/passkit"
	"github.com/poofware/wallet-service/internal/routes"
	"github.com/poofware/wallet-service/internal/services"
	"github.com/poofware/wallet-service/internal/utils"
)

// maxLogBody bounds what a device may post to the log endpoint.
const maxLogBody = 64 << 10

// WalletController serves the device-facing PassKit web service. Paths
// are relative to the configured prefix.
type WalletController struct {
	walletService services.WalletService
	validate      *validator.Validate
}

func NewWalletController(s services.WalletService) *WalletController {
	return &WalletController{
		walletService: s,
		validate:      validator.New(),
	}
}

// POST {prefix}/v1/devices/{deviceLibraryIdentifier}/registrations/{passTypeIdentifier}/{serialNumber}
func (c *WalletController) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req dtos.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid JSON payload", nil, err)
		return
	}
	if err := c.validate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "pushToken is required", nil, err)
		return
	}

	res, err := c.walletService.RegisterDevice(
		r.Context(),
		r.Header.Get("Authorization"),
		vars[routes.VarDeviceLibraryIdentifier],
		vars[routes.VarPassTypeIdentifier],
		vars[routes.VarSerialNumber],
		req.PushToken,
	)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}

	if res == models.RegisterCreated {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DELETE {prefix}/v1/devices/{deviceLibraryIdentifier}/registrations/{passTypeIdentifier}/{serialNumber}
func (c *WalletController) UnregisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := c.walletService.UnregisterDevice(
		r.Context(),
		r.Header.Get("Authorization"),
		vars[routes.VarDeviceLibraryIdentifier],
		vars[routes.VarPassTypeIdentifier],
		vars[routes.VarSerialNumber],
	)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GET {prefix}/v1/devices/{deviceLibraryIdentifier}/registrations/{passTypeIdentifier}?passesUpdatedSince=
func (c *WalletController) ListUpdatedSerialsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	res, err := c.walletService.ListUpdatedSerials(
		r.Context(),
		vars[routes.VarDeviceLibraryIdentifier],
		vars[routes.VarPassTypeIdentifier],
		parseUpdatedSince(r.URL.Query().Get(routes.QueryPassesUpdatedSince)),
	)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}

	serials := res.SerialNumbers
	if serials == nil {
		serials = []string{}
	}
	utils.RespondWithJSON(w, http.StatusOK, dtos.SerialNumbersResponse{
		LastUpdated:   res.LastUpdated.UTC().Format(time.RFC3339Nano),
		SerialNumbers: serials,
	})
}

// GET {prefix}/v1/passes/{passTypeIdentifier}/{serialNumber}
func (c *WalletController) GetLatestPassHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	fetch, err := c.walletService.FetchPass(
		r.Context(),
		r.Header.Get("Authorization"),
		vars[routes.VarPassTypeIdentifier],
		vars[routes.VarSerialNumber],
		parseIfModifiedSince(r.Header.Get("If-Modified-Since")),
	)
	if err != nil {
		utils.HandleAppError(w, err)
		return
	}

	h := w.Header()
	h.Set("Last-Modified", fetch.LastModified.UTC().Format(http.TimeFormat))
	h.Set("ETag", `"v`+strconv.FormatInt(fetch.Version, 10)+`"`)
	if fetch.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", passkit.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(fetch.Artifact.Bytes)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(fetch.Artifact.Bytes); err != nil {
		utils.Logger.WithError(err).Warn("Writing pass artifact failed")
	}
}

// POST {prefix}/v1/log
func (c *WalletController) LogHandler(w http.ResponseWriter, r *http.Request) {
	var req dtos.LogRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxLogBody)).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid JSON payload", nil, err)
		return
	}
	if err := c.validate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", nil, err)
		return
	}
	c.walletService.LogClientMessages(r.Context(), req.Logs)
	w.WriteHeader(http.StatusOK)
}

// parseUpdatedSince accepts the tag handed out as lastUpdated. Anything
// unparseable is treated as absent.
func parseUpdatedSince(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		utils.Logger.WithField("passesUpdatedSince", utils.FlattenLogLine(raw)).Debug("Ignoring unparseable passesUpdatedSince")
		return nil
	}
	return &t
}

func parseIfModifiedSince(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return nil
	}
	return &t
}
