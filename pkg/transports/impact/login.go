package impact

import (
	"context"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/openfroyo/impactsim/pkg/engine"
)

const accessTokenCookie = "access_token"

type loginRequest struct {
	SecretKey string `json:"secretKey"`
}

// login exchanges the API key for a session token. The service answers with
// an access_token cookie that the session jar keeps for later requests.
func (c *Client) login(ctx context.Context) (*oauth2.Token, error) {
	userPath, err := c.resolveUserPath(ctx)
	if err != nil {
		return nil, err
	}

	apiURL := c.baseURL + userPath + "impact/api/"
	if _, err := c.do(ctx, http.MethodPost, apiURL+"login", loginRequest{SecretKey: c.apiKey}, nil); err != nil {
		return nil, err
	}

	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid server address", err)
	}
	for _, cookie := range c.http.Jar.Cookies(u) {
		if cookie.Name == accessTokenCookie && cookie.Value != "" {
			c.logger.Debug().Msg("Logged in with API key")
			return &oauth2.Token{AccessToken: cookie.Value, TokenType: "Bearer"}, nil
		}
	}

	return nil, engine.NewTransportError("login response did not set an access token cookie", nil).
		WithCode(engine.ErrCodeUnauthorized).
		WithService(engine.ServiceCodeMissingAccessTokenCookie, 0).
		WithOperation("login")
}
