package upstream

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenFloor is the minimum lifetime assumed for a bearer token that
// omits expires_in, matching the Docker Registry v2 auth spec's stated
// default.
const tokenFloor = 60 * time.Second

// expiryMargin is subtracted from a token's reported lifetime so it is
// refreshed slightly before the upstream actually expires it.
const expiryMargin = 30 * time.Second

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// authenticator implements the Docker Registry v2 Bearer challenge flow
// (401 + WWW-Authenticate → token request → cached reuse) with a Basic
// auth fallback, per upstream credentials.
type authenticator struct {
	http     *http.Client
	username string
	password string

	mu     sync.Mutex
	tokens map[string]cachedToken
	flight singleflight.Group
}

func newAuthenticator(httpClient *http.Client, username, password string) *authenticator {
	return &authenticator{http: httpClient, username: username, password: password, tokens: make(map[string]cachedToken)}
}

// apply sets req's Authorization header. It always tries for a Bearer
// token first (issued tokens are cached per base URL and scope; without
// a cached token the /v2/ challenge probe runs again) — registries that hand out
// anonymous pull tokens challenge every request regardless of whether
// the operator configured credentials — and falls back to Basic auth,
// only when the upstream never challenges and credentials are
// configured (private registries that accept Basic directly).
func (a *authenticator) apply(ctx context.Context, req *http.Request, baseURL, scope string) error {
	token, err := a.bearerToken(ctx, baseURL, scope)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}

	if a.username != "" || a.password != "" {
		req.Header.Set("Authorization", "Basic "+basicAuthValue(a.username, a.password))
	}
	return nil
}

// bearerToken returns a cached or freshly fetched token for scope, or
// "" if the upstream issued no Bearer challenge (caller should use
// Basic auth instead).
func (a *authenticator) bearerToken(ctx context.Context, baseURL, scope string) (string, error) {
	cacheKey := baseURL + "|" + scope

	a.mu.Lock()
	cached, ok := a.tokens[cacheKey]
	a.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	v, err, _ := a.flight.Do(cacheKey, func() (any, error) {
		return a.fetchToken(ctx, baseURL, scope)
	})
	if err != nil {
		return "", err
	}
	tok := v.(cachedToken)
	if tok.value == "" {
		return "", nil
	}

	a.mu.Lock()
	a.tokens[cacheKey] = tok
	a.mu.Unlock()
	return tok.value, nil
}

// fetchToken probes baseURL's /v2/ endpoint for a Bearer challenge and,
// if present, exchanges it for a token.
func (a *authenticator) fetchToken(ctx context.Context, baseURL, scope string) (cachedToken, error) {
	probeReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v2/", nil)
	if err != nil {
		return cachedToken{}, err
	}
	probeResp, err := a.http.Do(probeReq)
	if err != nil {
		return cachedToken{}, fmt.Errorf("probing for auth challenge: %w", err)
	}
	defer probeResp.Body.Close()

	if probeResp.StatusCode != http.StatusUnauthorized {
		return cachedToken{}, nil // no challenge; caller falls back to Basic
	}

	challenge := parseBearerChallenge(probeResp.Header.Get("Www-Authenticate"))
	if challenge == nil {
		return cachedToken{}, nil
	}

	tokenURL := challenge.realm
	query := "?service=" + challenge.service
	if scope != "" {
		query += "&scope=" + scope
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL+query, nil)
	if err != nil {
		return cachedToken{}, err
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return cachedToken{}, fmt.Errorf("fetching bearer token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cachedToken{}, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cachedToken{}, fmt.Errorf("decoding token response: %w", err)
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}

	lifetime := time.Duration(body.ExpiresIn) * time.Second
	if lifetime < tokenFloor {
		lifetime = tokenFloor
	}
	lifetime -= expiryMargin
	if lifetime < 0 {
		lifetime = 0
	}

	return cachedToken{value: token, expiresAt: time.Now().Add(lifetime)}, nil
}

type bearerChallenge struct {
	realm   string
	service string
}

// parseBearerChallenge extracts realm and service from a
// WWW-Authenticate header of the form:
// Bearer realm="https://auth.example/token",service="registry.example"
func parseBearerChallenge(header string) *bearerChallenge {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}
	params := header[len("Bearer "):]

	c := &bearerChallenge{}
	for _, part := range strings.Split(params, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := kv[0]
		value := strings.Trim(kv[1], `"`)
		switch key {
		case "realm":
			c.realm = value
		case "service":
			c.service = value
		}
	}
	if c.realm == "" {
		return nil
	}
	return c
}

func basicAuthValue(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}
