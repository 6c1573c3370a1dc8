// ABOUTME: HTTP API handlers for registration, login, content and audit
// ABOUTME: Routes use net/http method patterns under /api/v1

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-witness/internal/admission"
	"github.com/2389/coven-witness/internal/auth"
)

// maxRequestBody bounds every JSON request body.
const maxRequestBody = 1 << 20

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`
}

// registerRoutes registers the health and API routes on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	requireAuth := auth.HTTPAuthMiddleware(g.auth, g.logger)
	authLimited := g.rateLimit(admission.ClassAuth)
	callerLimited := g.rateLimit(admission.ClassContent)

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.Handle("POST /api/v1/register", authLimited(http.HandlerFunc(g.handleRegister)))
	mux.Handle("GET /api/v1/challenge/{address}", authLimited(http.HandlerFunc(g.handleChallenge)))
	mux.Handle("POST /api/v1/verify", authLimited(http.HandlerFunc(g.handleVerify)))

	// content submission is admitted by the pipeline itself, keyed by author
	mux.Handle("POST /api/v1/content", requireAuth(http.HandlerFunc(g.handleSubmit)))
	mux.HandleFunc("GET /api/v1/content/{id}", g.handleGetContent)

	mux.Handle("POST /api/v1/logout", requireAuth(callerLimited(http.HandlerFunc(g.handleLogout))))
	mux.Handle("POST /api/v1/refresh", requireAuth(callerLimited(http.HandlerFunc(g.handleRefresh))))
	mux.Handle("GET /api/v1/identity", requireAuth(http.HandlerFunc(g.handleGetIdentity)))
	mux.Handle("PATCH /api/v1/identity", requireAuth(callerLimited(http.HandlerFunc(g.handleUpdateIdentity))))

	// verification rehashes the whole chain
	mux.Handle("GET /api/v1/audit/verify", authLimited(http.HandlerFunc(g.handleVerifyChain)))
	mux.HandleFunc("GET /api/v1/audit/events", g.handleListEvents)

	mux.Handle("GET /api/v1/account/export", requireAuth(http.HandlerFunc(g.handleExportAccount)))
	mux.Handle("DELETE /api/v1/account", requireAuth(callerLimited(http.HandlerFunc(g.handleDeleteAccount))))

	mux.HandleFunc("GET /api/v1/keys", g.handleListKeys)
}

// clientOrigin returns the caller's network origin, used as the rate-limit
// subject before authentication.
func clientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setRateLimitHeaders writes the RateLimit-* and Retry-After headers for d.
func setRateLimitHeaders(h http.Header, d admission.Decision, now time.Time) {
	if d.Limit <= 0 {
		return
	}
	h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	reset := d.ResetAt.Sub(now)
	if reset < 0 {
		reset = 0
	}
	h.Set("RateLimit-Reset", strconv.FormatInt(int64((reset+time.Second-1)/time.Second), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(int64((d.RetryAfter+time.Second-1)/time.Second), 10))
	}
}

// rateLimit returns middleware admitting requests under class. Authenticated
// callers are keyed by address, everyone else by origin.
func (g *Gateway) rateLimit(class admission.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := clientOrigin(r)
			if ac := auth.FromContext(r.Context()); ac != nil {
				subject = ac.Address
			}
			d, err := g.admit(r.Context(), class, subject)
			setRateLimitHeaders(w.Header(), d, g.Now())
			if err != nil {
				g.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withDecision(r.Context(), d)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and JSON body. Internal errors are logged
// and answered generically.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.Internal {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	body := ErrorResponse{Error: e.Message, Code: e.Code}
	var limited *admission.RateLimitError
	if errors.As(err, &limited) {
		setRateLimitHeaders(w.Header(), limited.Decision, g.Now())
		body.RateLimit = rateLimitInfo(limited.Decision)
	}
	writeJSON(w, e.Status, body)
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return invalid(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	resp, err := g.register(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	resp.RateLimit = rateLimitInfo(decisionFrom(r.Context()))
	writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleChallenge(w http.ResponseWriter, r *http.Request) {
	resp, err := g.challenge(r.Context(), ChallengeRequest{Address: r.PathValue("address")})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	resp.RateLimit = rateLimitInfo(decisionFrom(r.Context()))
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	resp, err := g.verify(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	resp.RateLimit = rateLimitInfo(decisionFrom(r.Context()))
	writeJSON(w, http.StatusOK, resp)
}

// handleSubmit answers 201 for accepted content and 422 with the full gate
// results when a required gate fails.
func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	resp, err := g.submit(r.Context(), req)
	if resp != nil && resp.RateLimit != nil {
		setRateLimitHeaders(w.Header(), admission.Decision{
			Allowed:   true,
			Limit:     resp.RateLimit.Limit,
			Remaining: resp.RateLimit.Remaining,
			ResetAt:   resp.RateLimit.ResetAt,
		}, g.Now())
	}
	if _, rejected := asGateFailure(err); rejected {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) handleGetContent(w http.ResponseWriter, r *http.Request) {
	resp, err := g.getContent(r.Context(), ContentRequest{ID: r.PathValue("id")})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	resp, err := g.logout(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	resp, err := g.refresh(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	resp.RateLimit = rateLimitInfo(decisionFrom(r.Context()))
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	resp, err := g.identity(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleUpdateIdentity(w http.ResponseWriter, r *http.Request) {
	var req UpdateIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	resp, err := g.updateIdentity(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := g.verifyChain(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := EventsRequest{Actor: q.Get("actor")}
	var err error
	if v := q.Get("after"); v != "" {
		if req.After, err = strconv.ParseInt(v, 10, 64); err != nil {
			g.writeError(w, r, invalid("after must be an integer"))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			g.writeError(w, r, invalid("limit must be an integer"))
			return
		}
	}
	resp, err := g.listEvents(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleExportAccount(w http.ResponseWriter, r *http.Request) {
	resp, err := g.exportAccount(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="coven-witness-export.json"`)
	writeJSON(w, http.StatusOK, resp)
}

// handleDeleteAccount accepts confirmation as ?confirmed=true or in the body.
func (g *Gateway) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	var req DeleteAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if confirmed, err := strconv.ParseBool(r.URL.Query().Get("confirmed")); err == nil && confirmed {
		req.Confirmed = true
	}
	resp, err := g.deleteAccount(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListKeys(w http.ResponseWriter, r *http.Request) {
	resp, err := g.listKeys(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
