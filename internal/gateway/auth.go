package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/shared"
)

// Authenticator resolves the caller of a request to an actor string.
type Authenticator interface {
	Authenticate(r *http.Request) (actor string, ok bool)
}

// SecretOrBasic accepts either the shared-secret header (actor "internal")
// or Basic credentials of a configured user (actor "human:<user>").
type SecretOrBasic struct {
	header string
	secret string
	users  map[string]string
}

func NewSecretOrBasic(cfg config.AuthConfig) *SecretOrBasic {
	a := &SecretOrBasic{
		header: cfg.SharedSecretHeader,
		secret: cfg.SharedSecret,
		users:  make(map[string]string, len(cfg.Users)),
	}
	for _, u := range cfg.Users {
		if u.Username != "" && u.Password != "" {
			a.users[u.Username] = u.Password
		}
	}
	return a
}

// Configured reports whether any credential can ever succeed.
func (a *SecretOrBasic) Configured() bool {
	return (a.header != "" && a.secret != "") || len(a.users) > 0
}

func (a *SecretOrBasic) Authenticate(r *http.Request) (string, bool) {
	if a.header != "" && a.secret != "" {
		if got := r.Header.Get(a.header); got != "" &&
			subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) == 1 {
			return shared.ActorInternal, true
		}
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	// Compare against every entry so timing does not reveal which user exists.
	matched := ""
	for name, want := range a.users {
		nameOK := subtle.ConstantTimeCompare([]byte(user), []byte(name))
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(want))
		if nameOK&passOK == 1 {
			matched = name
		}
	}
	if matched == "" {
		return "", false
	}
	return shared.HumanActor(matched), true
}

// RequireAuth rejects unauthenticated requests with 401 and otherwise
// carries the resolved actor in the request context.
func RequireAuth(auth Authenticator, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := auth.Authenticate(r)
			if !ok {
				reason := "invalid credentials"
				if !hasCredentials(r) {
					reason = "missing credentials"
				}
				audit.Record("deny", scope, reason, "", r.Method+" "+r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Basic realm="taskd"`)
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}
			if r.Method != http.MethodGet || scope == scopeWS {
				audit.Record("allow", scope, "authenticated", actor, r.Method+" "+r.URL.Path)
			}
			next.ServeHTTP(w, r.WithContext(shared.WithActor(r.Context(), actor)))
		})
	}
}

func hasCredentials(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	for name := range r.Header {
		if strings.Contains(strings.ToLower(name), "secret") {
			return true
		}
	}
	return false
}

// QueryAuth lets browser websocket clients, which cannot set headers, pass
// ?auth=base64(user:pass). The value becomes a Basic Authorization header
// and is removed from the URL before anything downstream sees it.
func QueryAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		raw := q.Get("auth")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		r = r.Clone(r.Context())
		if r.Header.Get("Authorization") == "" {
			if creds, ok := decodeQueryAuth(raw); ok {
				r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
			}
		}
		q.Del("auth")
		r.URL.RawQuery = q.Encode()
		r.RequestURI = r.URL.RequestURI()
		next.ServeHTTP(w, r)
	})
}

func decodeQueryAuth(raw string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(raw)
		if err == nil && strings.Contains(string(b), ":") {
			return string(b), true
		}
	}
	return "", false
}
