package services

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/wallet-service/internal/utils"
)

type staticOwners map[string]string

func (o staticOwners) Owner(_ context.Context, serial string) (string, error) {
	owner, ok := o[serial]
	if !ok {
		return "", utils.ErrPassNotFound
	}
	return owner, nil
}

type failingOwners struct{ err error }

func (o failingOwners) Owner(context.Context, string) (string, error) { return "", o.err }

func authKind(t *testing.T, err error) AuthFailureKind {
	t.Helper()
	var af *AuthFailure
	require.ErrorAs(t, err, &af)
	return af.Kind
}

func TestParseAuthorization(t *testing.T) {
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name     string
		header   string
		identity string
		secret   string
		wantErr  bool
	}{
		{"valid", "ApplePass " + b64("alice:s3cret"), "alice", "s3cret", false},
		{"secret with colon", "ApplePass " + b64("alice:a:b"), "alice", "a:b", false},
		{"missing", "", "", "", true},
		{"wrong scheme", "Bearer " + b64("alice:s3cret"), "", "", true},
		{"lower-case scheme", "applepass " + b64("alice:s3cret"), "", "", true},
		{"bad base64", "ApplePass !!!", "", "", true},
		{"no separator", "ApplePass " + b64("alice"), "", "", true},
		{"empty identity", "ApplePass " + b64(":s3cret"), "", "", true},
		{"empty secret", "ApplePass " + b64("alice:"), "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			identity, secret, err := ParseAuthorization(tc.header)
			if tc.wantErr {
				assert.Equal(t, MalformedHeader, authKind(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.identity, identity)
			assert.Equal(t, tc.secret, secret)
		})
	}
}

func TestEncodeAuthorizationRoundTrip(t *testing.T) {
	identity, secret, err := ParseAuthorization(EncodeAuthorization("bob", "pw"))
	require.NoError(t, err)
	assert.Equal(t, "bob", identity)
	assert.Equal(t, "pw", secret)
}

func TestHMACCredentialVerifier(t *testing.T) {
	v := NewHMACCredentialVerifier([]byte("server-key"))

	alice := v.TokenFor("alice")
	assert.Len(t, alice, 64)
	assert.True(t, v.Verify("alice", alice))
	assert.False(t, v.Verify("bob", alice))
	assert.NotEqual(t, alice, v.TokenFor("bob"))

	other := NewHMACCredentialVerifier([]byte("other-key"))
	assert.False(t, other.Verify("alice", alice))
}

func TestSharedSecretVerifier(t *testing.T) {
	v := NewSharedSecretVerifier("shared")
	assert.True(t, v.Verify("anyone", "shared"))
	assert.False(t, v.Verify("anyone", "Shared"))
	assert.Equal(t, "shared", v.TokenFor("alice"))
}

func TestAuthenticationGate(t *testing.T) {
	v := NewHMACCredentialVerifier([]byte("k"))
	gate := NewAuthenticationGate(v, staticOwners{"S1": "alice", "S2": "bob"})
	ctx := context.Background()

	header := EncodeAuthorization("alice", gate.AuthenticationToken("alice"))
	identity, err := gate.Authenticate(ctx, header, "S1")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	t.Run("not the owner", func(t *testing.T) {
		_, err := gate.Authenticate(ctx, header, "S2")
		assert.Equal(t, BadCredential, authKind(t, err))
	})
	t.Run("unknown serial", func(t *testing.T) {
		_, err := gate.Authenticate(ctx, header, "S9")
		assert.Equal(t, BadCredential, authKind(t, err))
	})
	t.Run("wrong secret", func(t *testing.T) {
		_, err := gate.Authenticate(ctx, EncodeAuthorization("alice", "nope"), "S1")
		assert.Equal(t, BadCredential, authKind(t, err))
	})
	t.Run("malformed", func(t *testing.T) {
		_, err := gate.Authenticate(ctx, "Basic abc", "S1")
		assert.Equal(t, MalformedHeader, authKind(t, err))
	})
}

func TestAuthenticationGateLookupFailureIsNotAuthFailure(t *testing.T) {
	v := NewSharedSecretVerifier("shared")
	boom := errors.New("db down")
	gate := NewAuthenticationGate(v, failingOwners{err: boom})

	_, err := gate.Authenticate(context.Background(), EncodeAuthorization("alice", "shared"), "S1")
	require.ErrorIs(t, err, boom)
	assert.False(t, isAuthFailure(err))
}
