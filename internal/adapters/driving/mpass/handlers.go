package mpass

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

// SessionCookieName carries the session token after a completed login.
const SessionCookieName = "msystems_session"

// Handler serves the service-provider HTTP endpoints: login redirect,
// assertion consumer service, SP metadata, and the session-guarded person
// lookup.
type Handler struct {
	service    *Service
	registry   ports.PersonRegistry
	successURL string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHandler creates the SP endpoint handler. successURL is where the
// browser lands after a completed login. loginRate bounds login and ACS
// traffic; zero disables the limit. registry may be nil when person lookup
// is not deployed.
func NewHandler(service *Service, registry ports.PersonRegistry, successURL string, loginRate rate.Limit, burst int, logger *zap.Logger) *Handler {
	var limiter *rate.Limiter
	if loginRate > 0 {
		limiter = rate.NewLimiter(loginRate, burst)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, registry: registry, successURL: successURL, limiter: limiter, logger: logger}
}

// Routes mounts the SP endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/login", h.login)
		r.Post("/acs", h.acs)
	})
	r.Get("/metadata", h.metadata)
	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/person/{idnp}", h.person)
	})
	return r
}

// rateLimit rejects bursts of login traffic before any SAML processing runs.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	redirectURL, err := h.service.StartAuth(r.URL.Query().Get("next"))
	if err != nil {
		h.logger.Error("starting saml login failed", zap.Error(err))
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

func (h *Handler) acs(w http.ResponseWriter, r *http.Request) {
	token, _, err := h.service.HandleACS(r)
	if err != nil {
		status := http.StatusForbidden
		if domain.CodeOf(err) == domain.ErrCodeReconciliationFailed {
			status = http.StatusInternalServerError
		}
		http.Error(w, "login failed", status)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(12 * time.Hour),
	})
	http.Redirect(w, r, h.successURL, http.StatusFound)
}

// requireSession gates a route on a valid session cookie.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if _, err := h.service.sessions.Get(cookie.Value); err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// person looks a person up in the government registry by IDNP.
func (h *Handler) person(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		http.Error(w, "person lookup not configured", http.StatusNotImplemented)
		return
	}

	person, err := h.registry.GetPerson(r.Context(), chi.URLParam(r, "idnp"))
	if err != nil {
		switch domain.CodeOf(err) {
		case domain.ErrCodeBadRequest:
			http.Error(w, "invalid IDNP", http.StatusBadRequest)
		case domain.ErrCodeServiceUnavailable:
			http.Error(w, "registry unavailable", http.StatusBadGateway)
		default:
			http.Error(w, "lookup failed", http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(person); err != nil {
		h.logger.Error("writing person lookup response failed", zap.Error(err))
	}
}

func (h *Handler) metadata(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.Metadata()
	if err != nil {
		h.logger.Error("sp metadata generation failed", zap.Error(err))
		http.Error(w, "metadata unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	if _, err := w.Write(data); err != nil {
		h.logger.Error("writing sp metadata failed", zap.Error(err))
	}
}
