package gateway

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"uwgate/internal/provider"
	"uwgate/pkg/logging"

	"github.com/go-chi/chi/v5"
)

// Header allow-lists per forwarding route. Everything else, cookies
// included, stays at the gateway.
var (
	ticketingAPIHeaders        = []string{"Authorization", "Accept"}
	ticketingAttachmentHeaders = []string{"Authorization", "Content-Type", "Accept"}
	idpAPIHeaders              = []string{"Authorization", "Content-Type", "Accept", "X-Api-Key"}
)

var (
	ticketingGrants = map[string]bool{
		"password":           true,
		"refresh_token":      true,
		"authorization_code": true,
	}
	idpGrants = map[string]bool{
		"client_credentials": true,
	}
)

// maxFormBody caps token-route form bodies.
const maxFormBody = 64 << 10

// ticketingAttachmentUpstream is where /api/ticketing/attachment/* lands.
const ticketingAttachmentUpstream = "/api/now/attachment/"

func (s *Server) ticketingToken(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Ticketing
	if !cfg.TicketingOAuthConfigured() {
		notConfigured(w, "ticketing OAuth client")
		return
	}

	form, ok := parseForm(w, r)
	if !ok {
		return
	}
	grant := form.Get("grant_type")
	if !ticketingGrants[grant] {
		badRequest(w, fmt.Sprintf("unsupported grant_type %q", grant))
		return
	}

	withClientCredentials(form, cfg.ClientID, s.secrets.Current().TicketingClientSecret)
	if grant == "authorization_code" && form.Get("redirect_uri") == "" && cfg.RedirectURI != "" {
		form.Set("redirect_uri", cfg.RedirectURI)
	}

	s.exchange(w, r, provider.Ticketing, joinURL(cfg.Instance, cfg.TokenPath), form)
}

func (s *Server) idpToken(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.IDP
	if cfg.AuthURL == "" {
		notConfigured(w, "IDP_AUTH_URL")
		return
	}
	if cfg.ClientID == "" {
		notConfigured(w, "IDP client ID")
		return
	}

	form, ok := parseForm(w, r)
	if !ok {
		return
	}
	if form.Get("grant_type") == "" {
		form.Set("grant_type", "client_credentials")
	}
	if grant := form.Get("grant_type"); !idpGrants[grant] {
		badRequest(w, fmt.Sprintf("unsupported grant_type %q", grant))
		return
	}

	withClientCredentials(form, cfg.ClientID, s.secrets.Current().IDPClientSecret)
	if cfg.Scope != "" && form.Get("scope") == "" {
		form.Set("scope", cfg.Scope)
	}

	s.exchange(w, r, provider.IDP, withQuery(cfg.AuthURL, r.URL.RawQuery), form)
}

// withClientCredentials replaces whatever client identity the caller sent
// with the server-held one.
func withClientCredentials(form url.Values, clientID, clientSecret string) {
	form.Del("client_secret")
	form.Set("client_id", clientID)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
}

func parseForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBody)
	if err := r.ParseForm(); err != nil {
		if isTooLarge(err) {
			tooLarge(w, maxFormBody)
		} else {
			badRequest(w, "malformed form body")
		}
		return nil, false
	}
	return r.PostForm, true
}

// exchange posts form to a token endpoint and relays the answer verbatim.
func (s *Server) exchange(w http.ResponseWriter, r *http.Request, p provider.Provider, target string, form url.Values) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		notConfigured(w, string(p)+" token endpoint")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.do(p, req)
	if err != nil {
		logging.Warn("Gateway", "[%s] %s token exchange failed: %v", RequestIDFrom(r.Context()), p, networkCause(err))
		upstreamFailed(w, p, err)
		return
	}
	defer resp.Body.Close()
	logging.Debug("Gateway", "[%s] %s token exchange (%s) answered %d",
		RequestIDFrom(r.Context()), p, form.Get("grant_type"), resp.StatusCode)
	relay(w, resp, "application/json")
}

// autoconnect checks a Basic-Auth pair against the ticketing instance. The
// pair comes from the form, or from the service account when the form has
// neither field. On success the pair is sealed into a pseudo-token; the
// caller never sees the service account password.
func (s *Server) autoconnect(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Ticketing
	if cfg.Instance == "" {
		notConfigured(w, "ticketing instance")
		return
	}

	form, ok := parseForm(w, r)
	if !ok {
		return
	}
	username, password := form.Get("username"), form.Get("password")
	serviceAccount := username == "" && password == ""
	if serviceAccount {
		username, password = cfg.Username, s.secrets.Current().TicketingPassword
		if username == "" || password == "" {
			notConfigured(w, "ticketing service account")
			return
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, joinURL(cfg.Instance, cfg.AutoconnectPath), nil)
	if err != nil {
		notConfigured(w, "ticketing autoconnect endpoint")
		return
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Accept", "application/json")

	resp, err := s.do(provider.Ticketing, req)
	if err != nil {
		upstreamFailed(w, provider.Ticketing, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Warn("Gateway", "[%s] Autoconnect rejected for %s with status %d",
			RequestIDFrom(r.Context()), username, resp.StatusCode)
		relay(w, resp, "application/json")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	ttl := s.cfg.Gateway.PseudoTokenTTL
	token, err := sealCredentials(s.sealingKey(), username, password, s.clock.Now().Add(ttl))
	if err != nil {
		logging.Error("Gateway", err, "Failed to seal session token")
		writeError(w, http.StatusInternalServerError, provider.ErrorCodeInternal, "failed to issue session token", "")
		return
	}

	logging.Info("Gateway", "[%s] Autoconnect succeeded for %s (service account: %t)",
		RequestIDFrom(r.Context()), username, serviceAccount)
	writeJSON(w, http.StatusOK, provider.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl / time.Second),
	})
}

// ticketingAuthorization returns the Authorization value to send upstream.
// Pseudo-tokens are opened back into Basic credentials; anything else is
// passed through unchanged.
func (s *Server) ticketingAuthorization(w http.ResponseWriter, r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || !isPseudoToken(bearer) {
		return h, true
	}

	username, password, err := openCredentials(s.sealingKey(), bearer, s.clock.Now())
	if err != nil {
		logging.Debug("Gateway", "[%s] Rejected pseudo-token: %v", RequestIDFrom(r.Context()), err)
		writeError(w, http.StatusUnauthorized, provider.ErrorCodeInvalidSession, err.Error(), "")
		return "", false
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password)), true
}

// ticketingAPI forwards to the path carried in ?snpath= (or ?path=). The
// body is buffered so an empty body can be told from a missing one.
func (s *Server) ticketingAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snpath := q.Get("snpath")
	if snpath == "" {
		snpath = q.Get("path")
	}
	if snpath == "" {
		badRequest(w, "missing snpath query parameter")
		return
	}
	if !strings.HasPrefix(snpath, "/") || strings.HasPrefix(snpath, "//") {
		badRequest(w, "snpath must be an absolute path")
		return
	}
	if s.cfg.Ticketing.Instance == "" {
		notConfigured(w, "ticketing instance")
		return
	}

	auth, ok := s.ticketingAuthorization(w, r)
	if !ok {
		return
	}

	limit := s.cfg.Gateway.APIBodyLimit
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		if isTooLarge(err) {
			tooLarge(w, limit)
		} else {
			badRequest(w, "failed to read request body")
		}
		return
	}

	var upstreamBody io.Reader
	withBody := methodHasBody(r.Method) && len(body) > 0
	if withBody {
		upstreamBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, joinURL(s.cfg.Ticketing.Instance, snpath), upstreamBody)
	if err != nil {
		badRequest(w, "invalid snpath")
		return
	}
	req.Header.Set("Accept", "application/json")
	if withBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	s.forwardRequest(w, r, provider.Ticketing, req, "application/json")
}

func (s *Server) ticketingAttachment(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ticketing.Instance == "" {
		notConfigured(w, "ticketing instance")
		return
	}
	auth, ok := s.ticketingAuthorization(w, r)
	if !ok {
		return
	}

	target := joinURL(s.cfg.Ticketing.Instance, ticketingAttachmentUpstream+chi.URLParam(r, "*"))
	req, ok := s.streamRequest(w, r, withQuery(target, r.URL.RawQuery), ticketingAttachmentHeaders)
	if !ok {
		return
	}
	req.Header.Del("Authorization")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	s.forwardRequest(w, r, provider.Ticketing, req, "")
}

// idpAPI maps /api/idp/<rest> to <apiBaseURL><pathPrefix>/<rest>.
func (s *Server) idpAPI(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.IDP
	if cfg.APIBaseURL == "" {
		notConfigured(w, "IDP_API_BASE_URL")
		return
	}

	target := joinURL(cfg.APIBaseURL, cfg.PathPrefix+"/"+chi.URLParam(r, "*"))
	req, ok := s.streamRequest(w, r, withQuery(target, r.URL.RawQuery), idpAPIHeaders)
	if !ok {
		return
	}
	s.forwardRequest(w, r, provider.IDP, req, "")
}

// streamRequest builds an upstream request that streams the caller's body
// under the upload limit.
func (s *Server) streamRequest(w http.ResponseWriter, r *http.Request, target string, headers []string) (*http.Request, bool) {
	limit := s.cfg.Gateway.UploadBodyLimit
	if r.ContentLength > limit {
		tooLarge(w, limit)
		return nil, false
	}

	var body io.Reader
	if methodHasBody(r.Method) && r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		badRequest(w, "invalid upstream path")
		return nil, false
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header, headers)
	return req, true
}

// forwardRequest sends req and relays the upstream answer.
func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request, p provider.Provider, req *http.Request, contentType string) {
	resp, err := s.do(p, req)
	if err != nil {
		logging.Warn("Gateway", "[%s] %s %s upstream failed: %v", RequestIDFrom(r.Context()), p, r.Method, networkCause(err))
		upstreamFailed(w, p, err)
		return
	}
	defer resp.Body.Close()
	logging.Debug("Gateway", "[%s] %s %s %s answered %d", RequestIDFrom(r.Context()), p, req.Method, req.URL.Path, resp.StatusCode)
	relay(w, resp, contentType)
}

func (s *Server) do(p provider.Provider, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := s.upstream.Do(req)
	status := 0
	if err == nil {
		status = resp.StatusCode
	}
	s.metrics.observeUpstream(string(p), start, status, err)
	return resp, err
}

// relay copies status and body. contentType overrides the upstream
// Content-Type when set.
func relay(w http.ResponseWriter, resp *http.Response, contentType string) {
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("Gateway", "Failed to relay upstream body: %v", err)
	}
}

func copyHeaders(dst, src http.Header, allowed []string) {
	for _, name := range allowed {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

func methodHasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

func withQuery(target, rawQuery string) string {
	if rawQuery == "" {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + rawQuery
	}
	return target + "?" + rawQuery
}
