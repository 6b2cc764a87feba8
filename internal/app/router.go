package app

import (
	"crypto/rsa"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/poofware/wallet-service/internal/controllers"
	"github.com/poofware/wallet-service/internal/metrics"
	"github.com/poofware/wallet-service/internal/middleware"
	"github.com/poofware/wallet-service/internal/routes"
)

// RouterDeps collects what the HTTP surface needs. A nil Admin controller or
// AdminKey leaves the admin API unmounted.
type RouterDeps struct {
	PathPrefix string
	ForceHTTPS bool

	Wallet *controllers.WalletController
	Admin  *controllers.AdminController
	Health *controllers.HealthController

	AdminKey *rsa.PublicKey
	Registry *prometheus.Registry
}

func NewRouter(d RouterDeps) *mux.Router {
	router := mux.NewRouter()
	router.Use(
		middleware.Recoverer,
		middleware.RequestLogger,
		middleware.NoCache,
		middleware.ForceHTTPS(d.ForceHTTPS),
	)

	instrument := func(name string, h http.HandlerFunc) http.Handler {
		if d.Registry == nil {
			return h
		}
		return metrics.InstrumentHandler(d.Registry, name, h)
	}

	// Public Routes
	router.Handle(routes.Health, instrument("health", d.Health.HealthCheckHandler)).Methods(http.MethodGet)
	if d.Registry != nil {
		router.Handle(routes.Metrics, metrics.Handler(d.Registry)).Methods(http.MethodGet)
	}

	// PassKit web service
	device := router.PathPrefix(d.PathPrefix).Subrouter()
	if d.PathPrefix == "" {
		device = router.NewRoute().Subrouter()
	}
	device.Handle(routes.DeviceRegistration, instrument("register_device", d.Wallet.RegisterDeviceHandler)).Methods(http.MethodPost)
	device.Handle(routes.DeviceRegistration, instrument("unregister_device", d.Wallet.UnregisterDeviceHandler)).Methods(http.MethodDelete)
	device.Handle(routes.DeviceRegistrations, instrument("list_serials", d.Wallet.ListUpdatedSerialsHandler)).Methods(http.MethodGet)
	device.Handle(routes.LatestPass, instrument("latest_pass", d.Wallet.GetLatestPassHandler)).Methods(http.MethodGet)
	device.Handle(routes.Log, instrument("log", d.Wallet.LogHandler)).Methods(http.MethodPost)

	// Admin
	if d.Admin != nil && d.AdminKey != nil {
		admin := router.PathPrefix(routes.AdminBase).Subrouter()
		admin.Use(middleware.AdminAuthMiddleware(d.AdminKey))
		admin.HandleFunc(routes.AdminPush, d.Admin.TriggerDispatchHandler).Methods(http.MethodPost)
		admin.HandleFunc(routes.AdminPasses, d.Admin.IssuePassHandler).Methods(http.MethodPost)
		admin.HandleFunc(routes.AdminPass, d.Admin.UpdatePassHandler).Methods(http.MethodPut)
		admin.HandleFunc(routes.AdminIdentityRegistrations, d.Admin.DeleteIdentityRegistrationsHandler).Methods(http.MethodDelete)
	}

	return router
}
