package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/poofware/wallet-service/internal/dtos"
	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/repositories"
	"github.com/poofware/wallet-service/internal/utils"
)

// AdminService backs the operator API: issuing and updating passes,
// triggering fanout runs and deleting an identity's registrations.
type AdminService struct {
	oracle          PassVersionOracle
	store           repositories.RegistrationStore
	dispatcher      UpdateDispatcher
	defaultPassType string
	passTypes       map[string]struct{}
	pushOnUpdate    bool
}

func NewAdminService(
	oracle PassVersionOracle,
	store repositories.RegistrationStore,
	dispatcher UpdateDispatcher,
	passTypes []string,
	pushOnUpdate bool,
) *AdminService {
	known := make(map[string]struct{}, len(passTypes))
	for _, pt := range passTypes {
		known[pt] = struct{}{}
	}
	var def string
	if len(passTypes) > 0 {
		def = passTypes[0]
	}
	return &AdminService{
		oracle:          oracle,
		store:           store,
		dispatcher:      dispatcher,
		defaultPassType: def,
		passTypes:       known,
		pushOnUpdate:    pushOnUpdate,
	}
}

func (s *AdminService) IssuePass(ctx context.Context, req dtos.IssuePassRequest) (*models.Pass, error) {
	passType := req.PassTypeIdentifier
	if passType == "" {
		passType = s.defaultPassType
	}
	if _, ok := s.passTypes[passType]; !ok {
		return nil, badRequest("Unknown pass type", utils.ErrUnknownPassType)
	}
	if !utils.IsValidIdentifier(req.SerialNumber) {
		return nil, badRequest("Serial number may only contain letters, digits, '.', '_' and '-'", utils.ErrInvalidKey)
	}

	p, err := s.oracle.Issue(ctx, &models.Pass{
		SerialNumber:       req.SerialNumber,
		PassTypeIdentifier: passType,
		OwningIdentity:     req.OwningIdentity,
		Content:            req.Content,
	})
	switch {
	case errors.Is(err, utils.ErrPassExists):
		return nil, &utils.AppError{
			StatusCode: http.StatusConflict,
			Code:       utils.ErrCodeConflict,
			Message:    "Pass already exists",
			Err:        err,
		}
	case errors.Is(err, utils.ErrInvalidKey):
		return nil, badRequest("Invalid pass identifiers", err)
	case err != nil:
		return nil, internal(err)
	}
	return p, nil
}

// UpdatePass stores new content and, when it changed and pushing is
// requested, runs a fanout so devices come back for the new version.
func (s *AdminService) UpdatePass(ctx context.Context, serial string, req dtos.UpdatePassRequest) (*dtos.UpdatePassResponse, error) {
	p, changed, err := s.oracle.UpdateContent(ctx, serial, req.Content)
	if isNotFound(err) {
		return nil, notFound("Pass not found", err)
	}
	if err != nil {
		return nil, internal(err)
	}

	resp := &dtos.UpdatePassResponse{Pass: dtos.NewPassResponse(p), Changed: changed}
	push := s.pushOnUpdate
	if req.Push != nil {
		push = *req.Push
	}
	if !changed || !push {
		return resp, nil
	}

	report, err := s.dispatcher.Run(ctx)
	switch {
	case errors.Is(err, utils.ErrDispatchInProgress):
		// the running fanout may already have passed this pass's devices
		utils.Logger.WithField("serial_number", serial).Warn("Fanout already in progress, update push skipped")
		resp.Dispatch = map[string]string{"status": "in_progress"}
	case err != nil:
		utils.Logger.WithField("serial_number", serial).WithError(err).Error("Fanout after pass update failed")
		resp.Dispatch = report
	default:
		resp.Dispatch = report
	}
	return resp, nil
}

func (s *AdminService) TriggerDispatch(ctx context.Context) (*DispatchReport, error) {
	report, err := s.dispatcher.Run(ctx)
	if err == nil {
		return report, nil
	}

	var fatal *GatewayFatalError
	switch {
	case errors.Is(err, utils.ErrDispatchInProgress):
		return nil, &utils.AppError{
			StatusCode: http.StatusConflict,
			Code:       utils.ErrCodeDispatchInProgress,
			Message:    "An update fanout is already running",
			Err:        err,
		}
	case errors.As(err, &fatal):
		return report, &utils.AppError{
			StatusCode: http.StatusBadGateway,
			Code:       utils.ErrCodeExternalServiceFailure,
			Message:    "Push gateway unavailable",
			Err:        err,
		}
	default:
		return report, internal(err)
	}
}

func (s *AdminService) DeleteIdentityRegistrations(ctx context.Context, identity string) (int, error) {
	if identity == "" {
		return 0, badRequest("Identity is required", nil)
	}
	n, err := s.store.RemoveByIdentity(ctx, identity)
	if err != nil {
		return 0, internal(err)
	}
	utils.Logger.WithFields(logrus.Fields{
		"identity": identity,
		"removed":  n,
	}).Info("Deleted registrations of identity")
	return n, nil
}
