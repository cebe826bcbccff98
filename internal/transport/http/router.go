package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cipherrelay/internal/account"
	"cipherrelay/internal/auth"
	"cipherrelay/internal/domain"
	"cipherrelay/internal/groupkey"
	"cipherrelay/internal/httpx"
	obsmw "cipherrelay/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Accounts *account.Service
	Groups   *groupkey.Arbiter
	Verifier *auth.Verifier
	// WS serves /ws; it authenticates on its own.
	WS http.Handler
	// Ready reports whether the stores are reachable.
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	// RateLimit is requests per minute per IP on account and group routes.
	RateLimit int
	Logger    *slog.Logger
}

type handler struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 100
	}
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(obsmw.WithMetrics)
	r.Use(httpx.LogRequests(d.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrAny(d.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Request-Id", auth.HeaderNickname, auth.HeaderSignature},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.ready)
	r.Handle("/metrics", promhttp.Handler())
	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(d.RateLimit, time.Minute))
		r.Use(chimw.Timeout(30 * time.Second))

		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.register)
			r.Post("/verify-nickname", h.verifyNickname)
			r.Group(func(r chi.Router) {
				r.Use(d.Verifier.Middleware)
				r.Post("/refresh", h.refresh)
				r.Post("/search", h.search)
				r.Post("/publickey", h.publicKey)
				r.Post("/delete", h.deleteAccount)
			})
		})

		r.Route("/group", func(r chi.Router) {
			r.Use(d.Verifier.Middleware)
			r.Post("/", h.createGroup)
			r.Get("/{id}", h.getGroup)
			r.Post("/{id}/join", h.joinGroup)
			r.Post("/{id}/leave", h.leaveGroup)
			r.Post("/{id}/set-key", h.setGroupKey)
		})

		r.With(d.Verifier.Middleware).Delete("/message/{id}", h.deleteMessage)
	})
	return r
}

func originsOrAny(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	lvl := slog.LevelInfo
	if domain.AsError(err).Category() == domain.CategoryInfrastructure {
		lvl = slog.LevelError
	}
	h.Logger.Log(r.Context(), lvl, op+" failed",
		"error", err,
		"request_id", obsmw.RequestIDFromContext(r.Context()),
		"trace_id", obsmw.TraceIDFromContext(r.Context()),
	)
	httpx.WriteError(w, err)
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			h.fail(w, r, "readiness", domain.Infrastructure("readiness", err))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func caller(r *http.Request) string {
	nickname, _ := auth.IdentityFrom(r.Context())
	return nickname
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "register", err)
		return
	}
	if req.Nickname == "" || req.PublicKey == "" {
		h.fail(w, r, "register", domain.NewError(domain.CodeMalformedPayload, "nickname and publicKey are required"))
		return
	}
	id, err := h.Accounts.Register(r.Context(), req.Nickname, req.PublicKey)
	if err != nil {
		h.fail(w, r, "register", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, userResponse{
		envelope: envelope{Success: true, Message: "user created"},
		User:     userOf(id),
	})
}

func (h *handler) verifyNickname(w http.ResponseWriter, r *http.Request) {
	var req nicknameRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "verify nickname", err)
		return
	}
	ok, err := h.Accounts.NicknameAvailable(r.Context(), req.Nickname)
	if err != nil {
		h.fail(w, r, "verify nickname", err)
		return
	}
	msg := "nickname available"
	if !ok {
		msg = "nickname already taken"
	}
	httpx.WriteJSON(w, http.StatusOK, availabilityResponse{envelope: envelope{Success: true, Message: msg}, Available: ok})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.Accounts.Touch(r.Context(), caller(r)); err != nil {
		h.fail(w, r, "refresh", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, envelope{Success: true, Message: "user activity refreshed"})
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "search", err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		h.fail(w, r, "search", domain.NewError(domain.CodeMalformedPayload, "query is required"))
		return
	}
	id, err := h.Accounts.Lookup(r.Context(), req.Query)
	if errors.Is(err, domain.ErrUserNotFound) {
		httpx.WriteJSON(w, http.StatusNotFound, searchResponse{envelope: envelope{Message: "user not found"}, Results: []userView{}})
		return
	}
	if err != nil {
		h.fail(w, r, "search", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, searchResponse{envelope: envelope{Success: true, Message: "exists"}, Results: []userView{userOf(id)}})
}

func (h *handler) publicKey(w http.ResponseWriter, r *http.Request) {
	var req publicKeyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "public key", err)
		return
	}
	if req.TargetNickname == "" {
		h.fail(w, r, "public key", domain.NewError(domain.CodeMalformedPayload, "targetNickname is required"))
		return
	}
	id, err := h.Accounts.Lookup(r.Context(), req.TargetNickname)
	if err != nil {
		h.fail(w, r, "public key", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, userResponse{envelope: envelope{Success: true}, User: userOf(id)})
}

func (h *handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.Accounts.Delete(r.Context(), caller(r)); err != nil {
		h.fail(w, r, "delete account", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, envelope{Success: true, Message: "user and associated messages deleted"})
}

func groupID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.ErrGroupNotFound
	}
	return id, nil
}

func (h *handler) writeGroup(w http.ResponseWriter, status int, msg string, g *domain.Group) {
	v := groupOf(g)
	httpx.WriteJSON(w, status, groupResponse{envelope: envelope{Success: true, Message: msg}, Group: &v})
}

func (h *handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "create group", err)
		return
	}
	g, err := h.Groups.Create(r.Context(), req.Name, caller(r))
	if err != nil {
		h.fail(w, r, "create group", err)
		return
	}
	h.writeGroup(w, http.StatusCreated, "group created", g)
}

func (h *handler) getGroup(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		h.fail(w, r, "get group", err)
		return
	}
	g, err := h.Groups.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get group", err)
		return
	}
	if !g.HasMember(caller(r)) {
		h.fail(w, r, "get group", domain.ErrNotAMember)
		return
	}
	h.writeGroup(w, http.StatusOK, "", g)
}

func (h *handler) joinGroup(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		h.fail(w, r, "join group", err)
		return
	}
	g, err := h.Groups.Join(r.Context(), id, caller(r))
	if err != nil {
		h.fail(w, r, "join group", err)
		return
	}
	h.writeGroup(w, http.StatusOK, "joined group", g)
}

func (h *handler) leaveGroup(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		h.fail(w, r, "leave group", err)
		return
	}
	deleted, err := h.Groups.Leave(r.Context(), id, caller(r))
	if err != nil {
		h.fail(w, r, "leave group", err)
		return
	}
	msg := "left group"
	if deleted {
		msg = "left group; group deleted"
	}
	httpx.WriteJSON(w, http.StatusOK, groupResponse{envelope: envelope{Success: true, Message: msg}})
}

func (h *handler) setGroupKey(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		h.fail(w, r, "set group key", err)
		return
	}
	var req setKeyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "set group key", err)
		return
	}
	g, err := h.Groups.ProposeKey(r.Context(), id, caller(r), req.Key)
	if err != nil {
		h.fail(w, r, "set group key", err)
		return
	}
	h.writeGroup(w, http.StatusOK, "group key committed", g)
}

func (h *handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "delete message", domain.ErrMessageNotFound)
		return
	}
	if err := h.Accounts.DeleteMessage(r.Context(), caller(r), id); err != nil {
		h.fail(w, r, "delete message", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, envelope{Success: true, Message: "message deleted"})
}
