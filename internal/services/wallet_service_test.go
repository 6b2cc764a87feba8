package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/wallet-service/internal/models"
	"github.com/poofware/wallet-service/internal/repositories"
	"github.com/poofware/wallet-service/internal/utils"
)

type walletFixture struct {
	svc     WalletService
	oracle  PassVersionOracle
	store   repositories.RegistrationStore
	gate    AuthenticationGate
	builder *countingBuilder
	clock   *fakeClock
}

func newWalletFixture(t *testing.T, conditionalFetch bool) *walletFixture {
	t.Helper()
	oracle, builder, clock := newTestOracle(t)
	store := repositories.NewMemoryRegistrationStore(oracle)
	gate := NewAuthenticationGate(NewHMACCredentialVerifier([]byte("test-key")), oracle)
	svc := NewWalletService(store, gate, oracle, []string{testPassType}, conditionalFetch, nil)
	svc.(*walletService).now = clock.Now

	issueTestPass(t, oracle, "S1", "alice")
	issueTestPass(t, oracle, "S2", "alice")
	issueTestPass(t, oracle, "B1", "bob")

	return &walletFixture{svc: svc, oracle: oracle, store: store, gate: gate, builder: builder, clock: clock}
}

func (f *walletFixture) auth(identity string) string {
	return EncodeAuthorization(identity, f.gate.AuthenticationToken(identity))
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.StatusCode
}

func TestWalletRegisterDevice(t *testing.T) {
	f := newWalletFixture(t, true)
	ctx := context.Background()

	res, err := f.svc.RegisterDevice(ctx, f.auth("alice"), "dev1", testPassType, "S1", "tok")
	require.NoError(t, err)
	assert.Equal(t, models.RegisterCreated, res)

	res, err = f.svc.RegisterDevice(ctx, f.auth("alice"), "dev1", testPassType, "S1", "tok2")
	require.NoError(t, err)
	assert.Equal(t, models.RegisterAlreadyCurrent, res)

	n, _ := f.store.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestWalletRegisterDeviceRejections(t *testing.T) {
	f := newWalletFixture(t, true)
	ctx := context.Background()

	tests := []struct {
		name   string
		auth   string
		pass   string
		serial string
		want   int
	}{
		{"missing auth", "", testPassType, "S1", http.StatusUnauthorized},
		{"bad secret", EncodeAuthorization("alice", "wrong"), testPassType, "S1", http.StatusUnauthorized},
		{"not the owner", f.auth("alice"), testPassType, "B1", http.StatusUnauthorized},
		{"unknown serial", f.auth("alice"), testPassType, "S404", http.StatusUnauthorized},
		{"unknown pass type", f.auth("alice"), "pass.com.example.other", "S1", http.StatusNotFound},
		{"empty serial", f.auth("alice"), testPassType, "///", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RegisterDevice(ctx, tc.auth, "dev1", tc.pass, tc.serial, "tok")
			assert.Equal(t, tc.want, statusOf(t, err))
		})
	}

	n, _ := f.store.Count(ctx)
	assert.Zero(t, n)
}

func TestWalletUnregisterDevice(t *testing.T) {
	f := newWalletFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.RegisterDevice(ctx, f.auth("alice"), "dev1", testPassType, "S1", "tok")
	require.NoError(t, err)

	err = f.svc.UnregisterDevice(ctx, f.auth("alice"), "dev1", testPassType, "S1")
	require.NoError(t, err)
	n, _ := f.store.Count(ctx)
	assert.Zero(t, n)

	// unregistering twice is not an error
	require.NoError(t, f.svc.UnregisterDevice(ctx, f.auth("alice"), "dev1", testPassType, "S1"))

	err = f.svc.UnregisterDevice(ctx, EncodeAuthorization("alice", "nope"), "dev1", testPassType, "S1")
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestWalletUnregisterLeavesOtherOwnersRegistration(t *testing.T) {
	f := newWalletFixture(t, true)
	ctx := context.Background()

	// alice's registration stored directly; bob then tries to remove it via his pass
	_, err := f.store.Register(ctx, models.Registration{
		DeviceLibraryIdentifier: "dev1",
		PassTypeIdentifier:      testPassType,
		SerialNumber:            "B1",
		PushToken:               "tok",
		OwningIdentity:          "alice",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.UnregisterDevice(ctx, f.auth("bob"), "dev1", testPassType, "B1"))
	n, _ := f.store.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestWalletListUpdatedSerials(t *testing.T) {
	f := newWalletFixture(t, true)
	ctx := context.Background()

	for _, serial := range []string{"S1", "S2"} {
		_, err := f.svc.RegisterDevice(ctx, f.auth("alice"), "dev1", testPassType, serial, "tok")
		require.NoError(t, err)
	}

	all, err := f.svc.ListUpdatedSerials(ctx, "dev1", testPassType, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, all.SerialNumbers)

	f.clock.Advance(time.Hour)
	p, _ := f.oracle.Get(ctx, "S2")
	next := p.Content
	next.Description = "Moved to 3pm"
	updated, changed, err := f.oracle.UpdateContent(ctx, "S2", next)
	require.NoError(t, err)
	require.True(t, changed)

	since := all.LastUpdated.Add(time.Second)
	res, err := f.svc.ListUpdatedSerials(ctx, "dev1", testPassType, &since)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2"}, res.SerialNumbers)
	assert.Equal(t, updated.LastModified, res.LastUpdated)

	// the returned tag is inclusive: asking again yields the newest pass once more
	res, err = f.svc.ListUpdatedSerials(ctx, "dev1", testPassType, &res.LastUpdated)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2"}, res.SerialNumbers)

	later := updated.LastModified.Add(time.Minute)
	res, err = f.svc.ListUpdatedSerials(ctx, "dev1", testPassType, &later)
	require.NoError(t, err)
	assert.Empty(t, res.SerialNumbers)
}

func TestWalletListUpdatedSerialsUnknownDevice(t *testing.T) {
	f := newWalletFixture(t, true)

	res, err := f.svc.ListUpdatedSerials(context.Background(), "nobody", testPassType, nil)
	require.NoError(t, err)
	assert.Empty(t, res.SerialNumbers)
	assert.Equal(t, f.clock.Now().UTC(), res.LastUpdated)

	_, err = f.svc.ListUpdatedSerials(context.Background(), "nobody", "pass.other", nil)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestWalletFetchPass(t *testing.T) {
	f := newWalletFixture(t, true)
	ctx := context.Background()

	got, err := f.svc.FetchPass(ctx, f.auth("alice"), testPassType, "S1", nil)
	require.NoError(t, err)
	require.False(t, got.NotModified)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, int64(1), got.Version)

	cur := got.LastModified
	got, err = f.svc.FetchPass(ctx, f.auth("alice"), testPassType, "S1", &cur)
	require.NoError(t, err)
	assert.True(t, got.NotModified)
	assert.Nil(t, got.Artifact)
	assert.Equal(t, int32(1), f.builder.builds.Load())

	older := cur.Add(-time.Second)
	got, err = f.svc.FetchPass(ctx, f.auth("alice"), testPassType, "S1", &older)
	require.NoError(t, err)
	assert.False(t, got.NotModified)
	// served from cache
	assert.Equal(t, int32(1), f.builder.builds.Load())
}

func TestWalletFetchPassErrors(t *testing.T) {
	f := newWalletFixture(t, true)
	ctx := context.Background()

	// unknown serial is 404 even without credentials
	_, err := f.svc.FetchPass(ctx, "", testPassType, "S404", nil)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	_, err = f.svc.FetchPass(ctx, f.auth("alice"), "pass.other", "S1", nil)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	_, err = f.svc.FetchPass(ctx, "", testPassType, "S1", nil)
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	_, err = f.svc.FetchPass(ctx, f.auth("alice"), testPassType, "B1", nil)
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	f.builder.err = errors.New("no signing key")
	_, err = f.svc.FetchPass(ctx, f.auth("alice"), testPassType, "S1", nil)
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, err))
}

func TestWalletFetchPassUnconditional(t *testing.T) {
	f := newWalletFixture(t, false)
	ctx := context.Background()

	p, _ := f.oracle.Get(ctx, "S1")
	got, err := f.svc.FetchPass(ctx, f.auth("alice"), testPassType, "S1", &p.LastModified)
	require.NoError(t, err)
	assert.False(t, got.NotModified)
	assert.NotNil(t, got.Artifact)
}
