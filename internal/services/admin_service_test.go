package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/wallet-service/internal/dtos"
	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/repositories"
	"github.com/poofware/wallet-service/internal/utils"
)

type stubDispatcher struct {
	runs   int
	report *DispatchReport
	err    error
}

func (d *stubDispatcher) Run(context.Context) (*DispatchReport, error) {
	d.runs++
	return d.report, d.err
}

func (d *stubDispatcher) InFlight() bool { return false }

func newAdminFixture(t *testing.T, pushOnUpdate bool) (*AdminService, PassVersionOracle, repositories.RegistrationStore, *stubDispatcher) {
	t.Helper()
	oracle, _, _ := newTestOracle(t)
	store := repositories.NewMemoryRegistrationStore(oracle)
	d := &stubDispatcher{report: &DispatchReport{RunID: "run-1", Attempted: 1, Accepted: 1}}
	return NewAdminService(oracle, store, d, []string{testPassType}, pushOnUpdate), oracle, store, d
}

func TestAdminIssuePass(t *testing.T) {
	svc, oracle, _, _ := newAdminFixture(t, false)
	ctx := context.Background()

	p, err := svc.IssuePass(ctx, dtos.IssuePassRequest{
		SerialNumber:   "A-1",
		OwningIdentity: "alice",
		Content:        models.PassContent{Description: "Cleaning"},
	})
	require.NoError(t, err)
	assert.Equal(t, testPassType, p.PassTypeIdentifier)
	assert.Equal(t, int64(1), p.Version)

	stored, err := oracle.Get(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.OwningIdentity)

	_, err = svc.IssuePass(ctx, dtos.IssuePassRequest{SerialNumber: "A-1", OwningIdentity: "alice"})
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	_, err = svc.IssuePass(ctx, dtos.IssuePassRequest{
		SerialNumber:       "A-2",
		PassTypeIdentifier: "pass.com.example.other",
		OwningIdentity:     "alice",
	})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	_, err = svc.IssuePass(ctx, dtos.IssuePassRequest{SerialNumber: "A 3", OwningIdentity: "alice"})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
}

func TestAdminUpdatePass(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown serial", func(t *testing.T) {
		svc, _, _, _ := newAdminFixture(t, true)
		_, err := svc.UpdatePass(ctx, "nope", dtos.UpdatePassRequest{})
		assert.Equal(t, http.StatusNotFound, statusOf(t, err))
	})

	t.Run("unchanged content does not push", func(t *testing.T) {
		svc, oracle, _, d := newAdminFixture(t, true)
		p := issueTestPass(t, oracle, "S1", "alice")

		resp, err := svc.UpdatePass(ctx, "S1", dtos.UpdatePassRequest{Content: p.Content})
		require.NoError(t, err)
		assert.False(t, resp.Changed)
		assert.Nil(t, resp.Dispatch)
		assert.Zero(t, d.runs)
	})

	t.Run("changed content pushes by flag", func(t *testing.T) {
		svc, oracle, _, d := newAdminFixture(t, true)
		issueTestPass(t, oracle, "S1", "alice")

		resp, err := svc.UpdatePass(ctx, "S1", dtos.UpdatePassRequest{Content: models.PassContent{Description: "new"}})
		require.NoError(t, err)
		assert.True(t, resp.Changed)
		assert.Equal(t, int64(2), resp.Pass.Version)
		assert.Equal(t, d.report, resp.Dispatch)
		assert.Equal(t, 1, d.runs)
	})

	t.Run("request overrides flag", func(t *testing.T) {
		svc, oracle, _, d := newAdminFixture(t, true)
		issueTestPass(t, oracle, "S1", "alice")

		resp, err := svc.UpdatePass(ctx, "S1", dtos.UpdatePassRequest{
			Content: models.PassContent{Description: "new"},
			Push:    utils.Ptr(false),
		})
		require.NoError(t, err)
		assert.True(t, resp.Changed)
		assert.Zero(t, d.runs)
	})

	t.Run("fanout already running", func(t *testing.T) {
		svc, oracle, _, d := newAdminFixture(t, false)
		issueTestPass(t, oracle, "S1", "alice")
		d.err = utils.ErrDispatchInProgress

		resp, err := svc.UpdatePass(ctx, "S1", dtos.UpdatePassRequest{
			Content: models.PassContent{Description: "new"},
			Push:    utils.Ptr(true),
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"status": "in_progress"}, resp.Dispatch)
	})
}

func TestAdminTriggerDispatch(t *testing.T) {
	ctx := context.Background()

	svc, _, _, d := newAdminFixture(t, false)
	report, err := svc.TriggerDispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)

	d.err = utils.ErrDispatchInProgress
	_, err = svc.TriggerDispatch(ctx)
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	d.err = &GatewayFatalError{Op: "connect", Err: errors.New("refused")}
	report, err = svc.TriggerDispatch(ctx)
	assert.Equal(t, http.StatusBadGateway, statusOf(t, err))
	assert.NotNil(t, report)

	d.err = errors.New("store unavailable")
	_, err = svc.TriggerDispatch(ctx)
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, err))
}

func TestAdminDeleteIdentityRegistrations(t *testing.T) {
	svc, oracle, store, _ := newAdminFixture(t, false)
	ctx := context.Background()
	issueTestPass(t, oracle, "S1", "alice")
	issueTestPass(t, oracle, "B1", "bob")

	for _, r := range []models.Registration{
		{DeviceLibraryIdentifier: "d1", PassTypeIdentifier: testPassType, SerialNumber: "S1", PushToken: "t", OwningIdentity: "alice"},
		{DeviceLibraryIdentifier: "d2", PassTypeIdentifier: testPassType, SerialNumber: "S1", PushToken: "t", OwningIdentity: "alice"},
		{DeviceLibraryIdentifier: "d1", PassTypeIdentifier: testPassType, SerialNumber: "B1", PushToken: "t", OwningIdentity: "bob"},
	} {
		_, err := store.Register(ctx, r)
		require.NoError(t, err)
	}

	n, err := svc.DeleteIdentityRegistrations(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, _ := store.Count(ctx)
	assert.Equal(t, 1, left)

	_, err = svc.DeleteIdentityRegistrations(ctx, "")
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
}
