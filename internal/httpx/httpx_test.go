package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cipherrelay/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrAuthentication, http.StatusUnauthorized},
		{domain.ErrInvalidChatType, http.StatusBadRequest},
		{domain.ErrUserNotFound, http.StatusNotFound},
		{domain.ErrGroupNotFound, http.StatusNotFound},
		{domain.ErrNotAMember, http.StatusForbidden},
		{domain.IncompleteAcknowledgement([]string{"c"}), http.StatusConflict},
		{domain.ErrKeyConflict, http.StatusConflict},
		{errors.New("db down"), http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, StatusOf(tc.err), tc.err.Error())
	}
}

func TestWriteErrorIncludesMissing(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.IncompleteAcknowledgement([]string{"c"}))

	require.Equal(t, http.StatusConflict, rec.Code)
	var body domain.ErrorPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, domain.CodeIncompleteAcknowledgement, body.Code)
	require.Equal(t, "INCOMPLETE_ACKNOWLEDGEMENT", body.Name)
	require.Equal(t, []string{"c"}, body.Missing)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"g","extra":1}`))
	err := DecodeJSON(r, &v)
	require.ErrorIs(t, err, domain.ErrMalformedPayload)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"g"}`))
	require.NoError(t, DecodeJSON(r, &v))
	require.Equal(t, "g", v.Name)
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"192.0.2.4:1234":          "192.0.2.4",
		"[2001:db8::1]:443":       "2001:db8::1",
		"[fe80::1%eth0]:80":       "fe80::1",
		"198.51.100.7":            "198.51.100.7",
		"[::ffff:192.0.2.9]:8080": "192.0.2.9",
		"not-an-ip":               "not-an-ip",
	}
	for remote, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		require.Equal(t, want, ClientIP(r), remote)
	}
}

func TestUserAgentClipsOnRuneBoundary(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", strings.Repeat("é", maxUserAgent+10))
	ua := UserAgent(r)
	require.Equal(t, maxUserAgent, len([]rune(ua)))

	r.Header.Set("User-Agent", "relay-client/1.0")
	require.Equal(t, "relay-client/1.0", UserAgent(r))
}
