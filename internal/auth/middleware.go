package auth

import (
	"context"
	"log/slog"
	"net/http"

	"cipherrelay/internal/httpx"
	obsmw "cipherrelay/internal/observability/middleware"
)

const (
	HeaderNickname  = "X-Relay-Nickname"
	HeaderSignature = "X-Relay-Signature"
)

type identityKey struct{}

func WithIdentity(ctx context.Context, nickname string) context.Context {
	return context.WithValue(ctx, identityKey{}, nickname)
}

// IdentityFrom returns the nickname authenticated by Middleware.
func IdentityFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(identityKey{}).(string)
	return v, ok && v != ""
}

// Credentials reads the handshake headers, falling back to the
// username/signature query parameters browsers use for websockets.
func Credentials(r *http.Request) (nickname, signature string) {
	nickname = r.Header.Get(HeaderNickname)
	signature = r.Header.Get(HeaderSignature)
	if nickname == "" {
		nickname = r.URL.Query().Get("username")
	}
	if signature == "" {
		signature = r.URL.Query().Get("signature")
	}
	return nickname, signature
}

// Middleware authenticates every request with the signature headers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := obsmw.RequestIDFromContext(r.Context())
		nickname, signature := Credentials(r)
		if err := v.Verify(r.Context(), nickname, signature); err != nil {
			v.log.Warn("request authentication failed", "identity", nickname, "error", err, "request_id", reqID)
			httpx.WriteError(w, err)
			return
		}
		slog.Debug("request authenticated", "identity", nickname, "request_id", reqID)
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), nickname)))
	})
}
