// Package provider is the client for the positioning daemon, the opaque
// platform boundary behind all permission, fetch, and watch operations.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"geotrackd/internal/common/config"
	"geotrackd/internal/tracking/domain"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Client talks to the positioning daemon over HTTP and WebSocket. Scope
// tokens returned by the authorize endpoint are validated locally and then
// attached as Bearer credentials to position calls.
type Client struct {
	baseURL string
	wsURL   string
	secret  []byte
	httpc   *http.Client
	logger  *slog.Logger

	mu     sync.RWMutex
	tokens map[domain.Scope]string
}

func NewClient(cfg config.Daemon, logger *slog.Logger) *Client {
	host := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Client{
		baseURL: "http://" + host,
		wsURL:   "ws://" + host,
		secret:  []byte(cfg.Secret),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		tokens:  make(map[domain.Scope]string),
	}
}

type authorizeRequest struct {
	Scope string `json:"scope"`
}

type authorizeResponse struct {
	Token string `json:"token"`
}

type scopeClaims struct {
	Scope string `json:"scope"`
	jwtlib.RegisteredClaims
}

// Request asks the daemon for authorization at the given scope. A 403 is a
// denial, not an error. Granted tokens are verified against the shared
// secret and must carry the requested scope.
func (c *Client) Request(ctx context.Context, scope domain.Scope) (domain.PermissionState, error) {
	body, err := json.Marshal(authorizeRequest{Scope: string(scope)})
	if err != nil {
		return domain.PermissionUnknown, fmt.Errorf("marshal authorize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/authorize", bytes.NewReader(body))
	if err != nil {
		return domain.PermissionUnknown, fmt.Errorf("build authorize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.PermissionUnknown, fmt.Errorf("authorize %s: %w", scope, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return domain.PermissionDenied, nil
	default:
		return domain.PermissionUnknown, fmt.Errorf("authorize %s: unexpected status %d", scope, resp.StatusCode)
	}

	var ar authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return domain.PermissionUnknown, fmt.Errorf("decode authorize response: %w", err)
	}

	claims := &scopeClaims{}
	_, err = jwtlib.ParseWithClaims(ar.Token, claims, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return domain.PermissionUnknown, fmt.Errorf("validate %s token: %w", scope, err)
	}
	if claims.Scope != string(scope) {
		return domain.PermissionUnknown, fmt.Errorf("token scope %q does not match requested %q", claims.Scope, scope)
	}

	c.mu.Lock()
	c.tokens[scope] = ar.Token
	c.mu.Unlock()

	return domain.PermissionGranted, nil
}

// Current performs a one-shot high-accuracy position fetch.
func (c *Client) Current(ctx context.Context) (domain.PositionSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/position?accuracy="+string(domain.AccuracyHigh), nil)
	if err != nil {
		return domain.PositionSample{}, fmt.Errorf("build position request: %w", err)
	}
	c.setBearer(req.Header)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.PositionSample{}, fmt.Errorf("fetch position: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.PositionSample{}, fmt.Errorf("fetch position: unexpected status %d", resp.StatusCode)
	}

	var w wireSample
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return domain.PositionSample{}, fmt.Errorf("decode position: %w", err)
	}
	return w.sample(), nil
}

func (c *Client) setBearer(h http.Header) {
	c.mu.RLock()
	token := c.tokens[domain.ScopeForeground]
	c.mu.RUnlock()
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// wireSample is the daemon's JSON encoding of a fix.
type wireSample struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	CapturedAtMS int64    `json:"captured_at_ms"`
}

func (w wireSample) sample() domain.PositionSample {
	s := domain.PositionSample{
		Latitude:   w.Latitude,
		Longitude:  w.Longitude,
		CapturedAt: time.UnixMilli(w.CapturedAtMS).UTC(),
	}
	if w.Accuracy != nil {
		s.Accuracy = *w.Accuracy
		s.HasAccuracy = true
	}
	return s
}
