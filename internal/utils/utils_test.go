package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"appointment":        "appointment",
		"pass.com.example-1": "pass.com.example-1",
		"../../etc/passwd":   "....etcpasswd",
		"a b\tc\n":           "abc",
		"serial;DROP TABLE":  "serialDROPTABLE",
		"":                   "",
	}
	for raw, want := range cases {
		assert.Equal(t, want, SanitizeIdentifier("serial_number", raw), raw)
	}
}

func TestIsValidIdentifier(t *testing.T) {
	assert.True(t, IsValidIdentifier("device_1.a-b"))
	assert.False(t, IsValidIdentifier(""))
	assert.False(t, IsValidIdentifier("a/b"))
}

func TestHandleAppError(t *testing.T) {
	t.Run("app error keeps its mapping", func(t *testing.T) {
		rr := httptest.NewRecorder()
		err := fmt.Errorf("wrapped: %w", &AppError{
			StatusCode: http.StatusNotFound,
			Code:       ErrCodeNotFound,
			Message:    "Pass not found",
			Err:        ErrPassNotFound,
		})
		HandleAppError(rr, err)

		assert.Equal(t, http.StatusNotFound, rr.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, ErrCodeNotFound, body.Code)
		assert.Equal(t, "Pass not found", body.Message)
		assert.True(t, errors.Is(err, ErrPassNotFound))
	})

	t.Run("anything else is a 500", func(t *testing.T) {
		rr := httptest.NewRecorder()
		HandleAppError(rr, errors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, ErrCodeInternal, body.Code)
	})
}

func TestFlattenLogLine(t *testing.T) {
	assert.Equal(t, "line one line two  tabbed", FlattenLogLine("line one\nline two\r\n\ttabbed"))
}
