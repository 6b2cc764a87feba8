package config

import (
	"crypto/rsa"
	"encoding/base64"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	ld "github.com/launchdarkly/go-server-sdk/v7"

	"github.com/poofware/wallet-service/internal/utils"
)

type Config struct {
	AppName          string
	AppPort          string
	AppUrl           string
	OrganizationName string

	// PassKit web service
	WebServiceURL        string
	WebServicePathPrefix string
	PassTypeIdentifier   string
	TeamIdentifier       string
	SigningP12           []byte
	SigningPassphrase    string
	WWDRCertPEM          []byte
	PassSeedFile         string
	PassTemplateDir      string

	// Device credentials
	SharedSecret string
	AuthHMACKey  []byte

	// Storage
	StoreBackend string
	RedisURL     string
	DBUrl        string

	// Push
	APNsProduction   bool
	DispatchSchedule string

	// Admin API, disabled when nil
	RSAPublicKey *rsa.PublicKey

	// Feature-flag snapshots
	LDFlag_ConditionalPassFetch bool
	LDFlag_PushOnPassUpdate     bool
	LDFlag_ForceHTTPS           bool
}

const (
	DefaultAppName       = "wallet-service"
	DefaultAppPort       = "4567"
	DefaultPathPrefix    = "/wallet"
	DefaultOrganization  = "Poof"
	LDConnectionTimeout  = 5 * time.Second
	defaultLDContextKind = "service"

	StoreBackendMemory   = "memory"
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
)

// build-time overrides, set with -ldflags
var (
	AppName             string
	LDServerContextKey  string
	LDServerContextKind string
)

func init() {
	if AppName == "" {
		AppName = DefaultAppName
	}
}

// LoadConfig reads the environment once at startup. Missing required values
// are fatal.
func LoadConfig() *Config {
	utils.Logger.Info("Loading config for app: ", AppName)

	//----------------------------------------------------------------------
	// 1) HTTP
	//----------------------------------------------------------------------
	appPort := envOr("APP_PORT", os.Getenv("PORT"))
	if appPort == "" {
		appPort = DefaultAppPort
	}
	appURL := strings.TrimRight(os.Getenv("APP_URL_FROM_ANYWHERE"), "/")

	prefix := "/" + strings.Trim(envOr("WEB_SERVICE_PATH_PREFIX", DefaultPathPrefix), "/")
	if prefix == "/" {
		prefix = ""
	}

	webServiceURL := os.Getenv("WEB_SERVICE_URL")
	if webServiceURL == "" {
		if appURL == "" {
			utils.Logger.Fatal("WEB_SERVICE_URL or APP_URL_FROM_ANYWHERE env var is missing")
		}
		webServiceURL = appURL + prefix
	}

	//----------------------------------------------------------------------
	// 2) Pass signing identity
	//----------------------------------------------------------------------
	passTypeID := mustEnv("PASS_TYPE_IDENTIFIER")
	teamID := mustEnv("TEAM_IDENTIFIER")
	p12 := mustBase64Env("PRIVATE_KEY_P12_BASE64")
	passphrase := os.Getenv("PRIVATE_KEY_PASSPHRASE")

	var wwdr []byte
	if os.Getenv("WWDR_CERT_PEM_BASE64") != "" {
		wwdr = mustBase64Env("WWDR_CERT_PEM_BASE64")
	}

	//----------------------------------------------------------------------
	// 3) Device credentials
	//----------------------------------------------------------------------
	sharedSecret := os.Getenv("WALLET_SHARED_SECRET")
	var hmacKey []byte
	if os.Getenv("WALLET_AUTH_HMAC_KEY_BASE64") != "" {
		hmacKey = mustBase64Env("WALLET_AUTH_HMAC_KEY_BASE64")
	}
	if sharedSecret == "" && len(hmacKey) == 0 {
		utils.Logger.Fatal("WALLET_AUTH_HMAC_KEY_BASE64 or WALLET_SHARED_SECRET env var is missing")
	}

	//----------------------------------------------------------------------
	// 4) Storage
	//----------------------------------------------------------------------
	backend := strings.ToLower(envOr("STORE_BACKEND", StoreBackendMemory))
	redisURL := os.Getenv("REDIS_URL")
	dbURL := os.Getenv("DB_URL")
	switch backend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if redisURL == "" {
			utils.Logger.Fatal("REDIS_URL env var is missing")
		}
	case StoreBackendPostgres:
		if dbURL == "" {
			utils.Logger.Fatal("DB_URL env var is missing")
		}
	default:
		utils.Logger.Fatalf("Unknown STORE_BACKEND %q", backend)
	}

	//----------------------------------------------------------------------
	// 5) Admin API key
	//----------------------------------------------------------------------
	var pubKey *rsa.PublicKey
	if os.Getenv("ADMIN_JWT_PUBLIC_KEY_BASE64") != "" {
		pubPEM := mustBase64Env("ADMIN_JWT_PUBLIC_KEY_BASE64")
		k, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
		if err != nil {
			utils.Logger.WithError(err).Fatal("Failed to parse ADMIN_JWT_PUBLIC_KEY_BASE64")
		}
		pubKey = k
	} else {
		utils.Logger.Warn("ADMIN_JWT_PUBLIC_KEY_BASE64 not set, admin routes disabled")
	}

	cfg := &Config{
		AppName:              AppName,
		AppPort:              appPort,
		AppUrl:               appURL,
		OrganizationName:     envOr("ORGANIZATION_NAME", DefaultOrganization),
		WebServiceURL:        webServiceURL,
		WebServicePathPrefix: prefix,
		PassTypeIdentifier:   passTypeID,
		TeamIdentifier:       teamID,
		SigningP12:           p12,
		SigningPassphrase:    passphrase,
		WWDRCertPEM:          wwdr,
		PassSeedFile:         os.Getenv("PASS_SEED_FILE"),
		PassTemplateDir:      os.Getenv("PASS_TEMPLATE_DIR"),
		SharedSecret:         sharedSecret,
		AuthHMACKey:          hmacKey,
		StoreBackend:         backend,
		RedisURL:             redisURL,
		DBUrl:                dbURL,
		APNsProduction:       strings.EqualFold(os.Getenv("APNS_ENVIRONMENT"), "production"),
		DispatchSchedule:     os.Getenv("DISPATCH_SCHEDULE"),
		RSAPublicKey:         pubKey,
	}

	//----------------------------------------------------------------------
	// 6) LaunchDarkly flags
	//----------------------------------------------------------------------
	cfg.applyFlags(loadFlags(os.Getenv("LD_SDK_KEY")))

	utils.Logger.Infof("Loaded config for %s (store=%s, apns_production=%t)", AppName, backend, cfg.APNsProduction)
	return cfg
}

// Flags is the startup snapshot of the feature flags.
type Flags struct {
	ConditionalPassFetch bool
	PushOnPassUpdate     bool
	ForceHTTPS           bool
}

func DefaultFlags() Flags {
	return Flags{ConditionalPassFetch: true}
}

func (c *Config) applyFlags(f Flags) {
	c.LDFlag_ConditionalPassFetch = f.ConditionalPassFetch
	c.LDFlag_PushOnPassUpdate = f.PushOnPassUpdate
	c.LDFlag_ForceHTTPS = f.ForceHTTPS
}

func loadFlags(sdkKey string) Flags {
	flags := DefaultFlags()
	if sdkKey == "" {
		utils.Logger.Info("LD_SDK_KEY not set, using default feature flags")
		return flags
	}

	ldClient, err := ld.MakeClient(sdkKey, LDConnectionTimeout)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to create LaunchDarkly client")
	}
	defer ldClient.Close()
	if !ldClient.Initialized() {
		utils.Logger.Fatal("LaunchDarkly client failed to initialize")
	}

	kind := envOr("LD_SERVER_CONTEXT_KIND", LDServerContextKind)
	if kind == "" {
		kind = defaultLDContextKind
	}
	key := envOr("LD_SERVER_CONTEXT_KEY", LDServerContextKey)
	if key == "" {
		key = AppName
	}
	ctx := ldcontext.NewWithKind(ldcontext.Kind(kind), key)

	boolFlag := func(name string, def bool) bool {
		v, err := ldClient.BoolVariation(name, ctx, def)
		if err != nil {
			utils.Logger.WithError(err).Fatalf("%s flag error", name)
		}
		utils.Logger.Debugf("%s flag: %t", name, v)
		return v
	}

	flags.ConditionalPassFetch = boolFlag("conditional_pass_fetch", flags.ConditionalPassFetch)
	flags.PushOnPassUpdate = boolFlag("push_on_pass_update", flags.PushOnPassUpdate)
	flags.ForceHTTPS = boolFlag("force_https", flags.ForceHTTPS)
	return flags
}

func (c *Config) Close() {
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func mustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		utils.Logger.Fatalf("%s env var is missing", name)
	}
	return v
}

func mustBase64Env(name string) []byte {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(mustEnv(name)))
	if err != nil {
		utils.Logger.WithError(err).Fatalf("%s is not valid base64", name)
	}
	return b
}
