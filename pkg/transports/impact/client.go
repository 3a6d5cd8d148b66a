// Package impact implements the HTTP transport to a workspace-scoped
// simulation service reached through JupyterHub.
package impact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"

	"github.com/openfroyo/impactsim/pkg/engine"
	"github.com/openfroyo/impactsim/pkg/telemetry"
)

const (
	// JupyterHubTokenEnv is read when no JupyterHub token is configured.
	JupyterHubTokenEnv = "JUPYTERHUB_API_TOKEN"

	// ServicePrefixEnv is read when the hub does not report a server path.
	ServicePrefixEnv = "JUPYTERHUB_SERVICE_PREFIX"

	mediaTypeExperimentV2   = "application/vnd.impact.experiment.v2+json"
	mediaTypeTrajectoriesV2 = "application/vnd.impact.trajectories.v2+json"
)

// Config configures a Client.
type Config struct {
	// ServerAddress is the hub base URL, e.g. "https://impact.example.com".
	ServerAddress string

	// UserPath is the JupyterHub user server path. When empty it is looked
	// up from the hub on first use.
	UserPath string

	// APIKey is exchanged for an access token on first use. Ignored when
	// Token is set.
	APIKey string

	// Token is a ready access token.
	Token string

	// JupyterHubToken authenticates against the hub. Defaults to the
	// JUPYTERHUB_API_TOKEN environment variable.
	JupyterHubToken string

	// Timeout bounds every request. Zero means no client-side bound.
	Timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "impact_client").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Its cookie jar is
// replaced by the session jar.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client is an authenticated session with the service. It is safe for
// concurrent use.
type Client struct {
	baseURL  string
	hubToken string
	http     *http.Client

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu       sync.Mutex
	userPath string

	apiKey  string
	tokens  oauth2.TokenSource
	tokenMu sync.Mutex
	token   *oauth2.Token
}

// NewClient creates a session. It performs no request.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ServerAddress == "" {
		return nil, engine.NewConfigurationError("server address is required", nil)
	}

	hubToken := cfg.JupyterHubToken
	if hubToken == "" {
		hubToken = os.Getenv(JupyterHubTokenEnv)
	}
	if hubToken == "" {
		return nil, engine.NewConfigurationError("client instantiation failed: missing JupyterHub token", nil).
			WithCode(engine.ErrCodeMissingToken).
			WithService(engine.ServiceCodeMissingJupyterHubToken, 0)
	}
	if cfg.Token == "" && cfg.APIKey == "" {
		return nil, engine.NewConfigurationError("either an API key or an access token is required", nil).
			WithCode(engine.ErrCodeMissingToken)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	c := &Client{
		baseURL:  strings.TrimRight(cfg.ServerAddress, "/"),
		hubToken: hubToken,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   zerolog.Nop(),
		tracer:   telemetry.NopTracer(),
	}
	if cfg.UserPath != "" {
		c.userPath = NormalizeUserPath(cfg.UserPath)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.Jar = jar

	if cfg.Token != "" {
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	} else {
		c.apiKey = cfg.APIKey
	}

	return c, nil
}

// NormalizeUserPath returns p with exactly one leading and one trailing slash.
func NormalizeUserPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}

// Workspace returns the API of one workspace.
func (c *Client) Workspace(id string) *Workspace {
	return &Workspace{client: c, id: id}
}

// request describes one call to the service API.
type request struct {
	method string
	path   string // relative to .../impact/api
	body   any
	accept string
}

// call performs an authenticated API request and decodes a JSON response
// into out. A nil out discards the body.
func (c *Client) call(ctx context.Context, r request, out any) error {
	data, err := c.callRaw(ctx, r)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return engine.NewTransportError("failed to decode response", err).
			WithCode(engine.ErrCodeDecode).
			WithOperation(r.method + " " + r.path)
	}
	return nil
}

// callRaw performs an authenticated API request and returns the body.
func (c *Client) callRaw(ctx context.Context, r request) ([]byte, error) {
	userPath, err := c.resolveUserPath(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.tokenFor(ctx)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + userPath + "impact/api" + r.path
	headers := http.Header{}
	headers.Set("Impact-Authorization", token.Type()+" "+token.AccessToken)
	if r.accept != "" {
		headers.Set("Accept", r.accept)
	}
	data, err := c.do(ctx, r.method, url, r.body, headers)
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.HTTPStatus == http.StatusUnauthorized {
		c.dropToken(token)
	}
	return data, err
}

// do sends one request carrying the hub authorization.
func (c *Client) do(ctx context.Context, method, url string, body any, headers http.Header) ([]byte, error) {
	ctx, span := c.tracer.StartRequestSpan(ctx, method, url)
	defer span.End()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to build request", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "token "+c.hubToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-Id", requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	logger := c.logger.With().Str("request_id", requestID).Str("method", method).Str("url", url).Logger()
	timer := telemetry.NewTimer()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		terr := engine.NewTransportError("request failed", err).WithOperation(method + " " + url)
		telemetry.RecordError(span, terr)
		c.metrics.RecordRequest(method, 0, timer.Duration())
		logger.Debug().Err(err).Msg("Request failed")
		return nil, terr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.RecordRequest(method, resp.StatusCode, timer.Duration())
	span.SetAttributes(telemetry.AttrHTTPStatusCode.Int(resp.StatusCode))
	if err != nil {
		return nil, engine.NewTransportError("failed to read response", err).WithOperation(method + " " + url)
	}

	logger.Debug().Int("status", resp.StatusCode).Dur("duration", timer.Duration()).Msg("Request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp.StatusCode, data).WithOperation(method + " " + url)
		telemetry.RecordError(span, apiErr)
		return nil, apiErr
	}
	telemetry.RecordSuccess(span)
	return data, nil
}

// resolveUserPath returns the user server path, asking the hub once.
func (c *Client) resolveUserPath(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userPath != "" {
		return c.userPath, nil
	}

	data, err := c.do(ctx, http.MethodGet, c.baseURL+"/hub/api/authorizations/token/"+c.hubToken, nil, nil)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.HTTPStatus != 0 {
			return "", engine.NewTransportError("failed to authorize with JupyterHub, invalid token?", err).
				WithCode(engine.ErrCodeUnauthorized).
				WithService(engine.ServiceCodeUnknown, ee.HTTPStatus)
		}
		return "", err
	}

	var auth map[string]json.RawMessage
	if err := json.Unmarshal(data, &auth); err != nil {
		return "", engine.NewTransportError("failed to decode hub authorization", err).WithCode(engine.ErrCodeDecode)
	}

	server, present := auth["server"]
	switch {
	case present && string(server) == "null":
		return "", engine.NewTransportError("server not started on JupyterHub", nil).
			WithCode(engine.ErrCodeServerNotStarted).
			WithService(engine.ServiceCodeServerNotStarted, 0)
	case present:
		var p string
		if err := json.Unmarshal(server, &p); err != nil {
			return "", engine.NewTransportError("failed to decode hub server path", err).WithCode(engine.ErrCodeDecode)
		}
		c.userPath = NormalizeUserPath(p)
	default:
		// Token without server scope: running inside the hub.
		c.userPath = NormalizeUserPath(os.Getenv(ServicePrefixEnv))
	}

	c.logger.Debug().Str("user_path", c.userPath).Msg("Resolved JupyterHub user path")
	return c.userPath, nil
}

// tokenFor returns the access token, logging in when none is held.
func (c *Client) tokenFor(ctx context.Context) (*oauth2.Token, error) {
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, engine.NewTransportError("failed to obtain access token", err).WithCode(engine.ErrCodeUnauthorized)
		}
		return token, nil
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token.Valid() {
		return c.token, nil
	}
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	c.token = token
	return token, nil
}

// dropToken forgets a session token the service rejected.
func (c *Client) dropToken(rejected *oauth2.Token) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token == rejected {
		c.token = nil
	}
}
