package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const authScheme = "ApplePass "

// AuthFailureKind tells a malformed Authorization header apart from a
// well-formed one whose credential was rejected.
type AuthFailureKind int

const (
	MalformedHeader AuthFailureKind = iota + 1
	BadCredential
)

func (k AuthFailureKind) String() string {
	switch k {
	case MalformedHeader:
		return "malformed_header"
	case BadCredential:
		return "bad_credential"
	default:
		return "unknown"
	}
}

type AuthFailure struct {
	Kind   AuthFailureKind
	Reason string
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("auth failure (%s): %s", e.Kind, e.Reason)
}

func malformed(reason string) error { return &AuthFailure{Kind: MalformedHeader, Reason: reason} }
func rejected(reason string) error  { return &AuthFailure{Kind: BadCredential, Reason: reason} }

// ------------------------------------------------------------------
// Credential verification
// ------------------------------------------------------------------

// CredentialVerifier decides whether secret is valid for identity and
// produces the secret embedded in passes issued to identity.
type CredentialVerifier interface {
	Verify(identity, secret string) bool
	TokenFor(identity string) string
}

// HMACCredentialVerifier derives a distinct secret per identity as
// hex(HMAC-SHA256(key, identity)).
type HMACCredentialVerifier struct {
	key []byte
}

func NewHMACCredentialVerifier(key []byte) *HMACCredentialVerifier {
	return &HMACCredentialVerifier{key: append([]byte(nil), key...)}
}

func (v *HMACCredentialVerifier) TokenFor(identity string) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(identity))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACCredentialVerifier) Verify(identity, secret string) bool {
	return hmac.Equal([]byte(v.TokenFor(identity)), []byte(secret))
}

// SharedSecretVerifier accepts one secret for every identity.
type SharedSecretVerifier struct {
	secret string
}

func NewSharedSecretVerifier(secret string) *SharedSecretVerifier {
	return &SharedSecretVerifier{secret: secret}
}

func (v *SharedSecretVerifier) TokenFor(string) string { return v.secret }

func (v *SharedSecretVerifier) Verify(_, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(v.secret), []byte(secret)) == 1
}

// ------------------------------------------------------------------
// Gate
// ------------------------------------------------------------------

// PassOwnerResolver resolves the identity a pass was issued to.
type PassOwnerResolver interface {
	Owner(ctx context.Context, serial string) (string, error)
}

type AuthenticationGate interface {
	// Authenticate returns the caller's identity when header carries a valid
	// credential for the owner of serial. Errors are *AuthFailure unless the
	// owner lookup itself failed.
	Authenticate(ctx context.Context, header, serial string) (string, error)
	AuthenticationToken(identity string) string
}

type authGate struct {
	verifier CredentialVerifier
	owners   PassOwnerResolver
}

func NewAuthenticationGate(verifier CredentialVerifier, owners PassOwnerResolver) AuthenticationGate {
	return &authGate{verifier: verifier, owners: owners}
}

func (g *authGate) Authenticate(ctx context.Context, header, serial string) (string, error) {
	identity, secret, err := ParseAuthorization(header)
	if err != nil {
		return "", err
	}
	if !g.verifier.Verify(identity, secret) {
		return "", rejected("secret rejected")
	}

	owner, err := g.owners.Owner(ctx, serial)
	if err != nil {
		if isNotFound(err) {
			return "", rejected("unknown serial number")
		}
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(owner), []byte(identity)) != 1 {
		return "", rejected("identity does not own pass")
	}
	return identity, nil
}

func (g *authGate) AuthenticationToken(identity string) string {
	return g.verifier.TokenFor(identity)
}

// ParseAuthorization decodes "ApplePass base64(identity:secret)".
func ParseAuthorization(header string) (identity, secret string, err error) {
	if header == "" {
		return "", "", malformed("missing header")
	}
	if !strings.HasPrefix(header, authScheme) {
		return "", "", malformed("wrong scheme")
	}
	raw, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(authScheme):]))
	if decErr != nil {
		return "", "", malformed("invalid base64")
	}
	identity, secret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", malformed("missing separator")
	}
	if identity == "" || secret == "" {
		return "", "", malformed("empty identity or secret")
	}
	return identity, secret, nil
}

// EncodeAuthorization is the inverse of ParseAuthorization.
func EncodeAuthorization(identity, secret string) string {
	return authScheme + base64.StdEncoding.EncodeToString([]byte(identity+":"+secret))
}

func isAuthFailure(err error) bool {
	var af *AuthFailure
	return errors.As(err, &af)
}
