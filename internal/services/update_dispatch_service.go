package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/poofware/wallet-service/internal/metrics"
	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/push"
	"github.com/poofware/wallet-service/internal/repositories"
	"github.com/poofware/wallet-service/internal/utils"
)

// GatewayFatalError aborts a dispatch run: the gateway could not be
// connected or reconnected.
type GatewayFatalError struct {
	Op  string
	Err error
}

func (e *GatewayFatalError) Error() string {
	return fmt.Sprintf("push gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayFatalError) Unwrap() error { return e.Err }

// DispatchReport summarizes one fanout run.
type DispatchReport struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Attempted  int       `json:"attempted"`
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	Failed     int       `json:"failed"`
	Pruned     int       `json:"pruned"`
	Reconnects int       `json:"reconnects"`
	Aborted    bool      `json:"aborted"`
}

type UpdateDispatcher interface {
	// Run pushes the change marker to every registered device and prunes
	// registrations whose token the gateway reports invalid. A concurrent
	// call returns utils.ErrDispatchInProgress.
	Run(ctx context.Context) (*DispatchReport, error)
	InFlight() bool
}

type updateDispatcher struct {
	store   repositories.RegistrationStore
	gateway push.Gateway
	metrics *metrics.Metrics
	running atomic.Bool
	now     func() time.Time
}

func NewUpdateDispatcher(
	store repositories.RegistrationStore,
	gateway push.Gateway,
	m *metrics.Metrics,
) UpdateDispatcher {
	return &updateDispatcher{
		store:   store,
		gateway: gateway,
		metrics: m,
		now:     time.Now,
	}
}

type pendingPrune struct {
	device string
	serial string
	token  string
}

func (d *updateDispatcher) InFlight() bool {
	return d.running.Load()
}

func (d *updateDispatcher) Run(ctx context.Context) (*DispatchReport, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, utils.ErrDispatchInProgress
	}
	defer d.running.Store(false)

	report := &DispatchReport{RunID: uuid.NewString(), StartedAt: d.now().UTC()}
	log := utils.Logger.WithField("run_id", report.RunID)
	log.Info("Starting update dispatch")

	defer func() {
		if err := d.gateway.Close(); err != nil {
			log.WithError(err).Warn("Closing push gateway failed")
		}
	}()

	if err := d.gateway.Connect(ctx); err != nil {
		report.Aborted = true
		report.FinishedAt = d.now().UTC()
		d.metrics.Dispatch("connect_failed")
		log.WithError(err).Error("Push gateway connect failed, no notifications sent")
		return report, &GatewayFatalError{Op: "connect", Err: err}
	}

	var prunes []pendingPrune
	runErr := d.notifyAll(ctx, log, report, &prunes)
	report.Pruned = d.applyPrunes(ctx, log, prunes)
	report.FinishedAt = d.now().UTC()

	if runErr != nil {
		report.Aborted = true
		d.metrics.Dispatch("aborted")
		log.WithError(runErr).Error("Update dispatch aborted")
		return report, runErr
	}

	d.metrics.Dispatch("completed")
	log.WithFields(logrus.Fields{
		"attempted":  report.Attempted,
		"accepted":   report.Accepted,
		"rejected":   report.Rejected,
		"failed":     report.Failed,
		"pruned":     report.Pruned,
		"reconnects": report.Reconnects,
	}).Info("Update dispatch finished")
	return report, nil
}

func (d *updateDispatcher) notifyAll(
	ctx context.Context,
	log *logrus.Entry,
	report *DispatchReport,
	prunes *[]pendingPrune,
) error {
	for reg, err := range d.store.AllRegistrations(ctx) {
		if err != nil {
			return fmt.Errorf("read registrations: %w", err)
		}
		report.Attempted++

		n := push.Notification{
			Token:   reg.PushToken,
			Topic:   reg.PassTypeIdentifier,
			Payload: push.EmptyPayload,
		}
		out, err := d.gateway.Send(ctx, n)
		if errors.Is(err, push.ErrNotConnected) {
			log.WithError(err).Warn("Push gateway connection lost, reconnecting")
			if rerr := d.gateway.Reconnect(ctx); rerr != nil {
				report.Failed++
				return &GatewayFatalError{Op: "reconnect", Err: rerr}
			}
			report.Reconnects++
			d.metrics.Reconnect()
			out, err = d.gateway.Send(ctx, n)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				report.Failed++
				return ctxErr
			}
			report.Failed++
			d.metrics.Notification("failed")
			log.WithFields(registrationFields(reg)).WithError(err).Warn("Notification not delivered")
			continue
		}

		switch {
		case out.Accepted:
			report.Accepted++
			d.metrics.Notification("accepted")
		case out.TokenInvalid():
			report.Rejected++
			d.metrics.Notification("invalid_token")
			log.WithFields(registrationFields(reg)).WithFields(logrus.Fields{
				"reason":        out.Reason,
				"invalid_since": out.InvalidSince,
			}).Info("Push token invalid, scheduling prune")
			*prunes = append(*prunes, pendingPrune{
				device: reg.DeviceLibraryIdentifier,
				serial: reg.SerialNumber,
				token:  reg.PushToken,
			})
		default:
			report.Rejected++
			d.metrics.Notification("rejected")
			log.WithFields(registrationFields(reg)).WithFields(logrus.Fields{
				"status": out.Status,
				"reason": out.Reason,
			}).Warn("Notification rejected")
		}
	}
	return nil
}

// applyPrunes removes the collected registrations. A registration whose
// token changed since it was read is left alone.
func (d *updateDispatcher) applyPrunes(ctx context.Context, log *logrus.Entry, prunes []pendingPrune) int {
	var (
		result  *multierror.Error
		removed int
	)
	// prunes must land even when the run itself was cancelled
	pruneCtx := context.WithoutCancel(ctx)
	for _, p := range prunes {
		ok, err := d.store.RemoveIfInvalid(pruneCtx, p.device, p.serial, p.token)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("prune %s/%s: %w", p.device, p.serial, err))
			continue
		}
		if ok {
			removed++
		}
	}
	d.metrics.Pruned(removed)
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).Error("Some invalid registrations could not be pruned")
	}
	return removed
}

func registrationFields(reg models.Registration) logrus.Fields {
	return logrus.Fields{
		"device_library_identifier": reg.DeviceLibraryIdentifier,
		"serial_number":             reg.SerialNumber,
	}
}
