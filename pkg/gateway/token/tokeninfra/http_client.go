package tokeninfra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/gateway/token"
	"github.com/Abraxas-365/portero/pkg/logx"
)

// HTTPTokenClient implements token.Client over HTTP. Requests go to the
// internal OAuth service first; when that service itself is unreachable (and
// only then) the client retries against the provider's token endpoint.
type HTTPTokenClient struct {
	httpClient *http.Client

	// serviceURL is the internal OAuth service base URL. Empty disables the
	// service path and every call goes direct.
	serviceURL string
}

func NewHTTPTokenClient(serviceURL string, timeout time.Duration) *HTTPTokenClient {
	return &HTTPTokenClient{
		httpClient: &http.Client{Timeout: timeout},
		serviceURL: strings.TrimRight(serviceURL, "/"),
	}
}

func (c *HTTPTokenClient) Refresh(ctx context.Context, cc token.ClientCredentials, refreshToken string) (*token.TokenSet, token.Method, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cc.ClientID},
		"client_secret": {cc.ClientSecret},
	}
	return c.post(ctx, cc, form)
}

func (c *HTTPTokenClient) Exchange(ctx context.Context, cc token.ClientCredentials, code, redirectURI string) (*token.TokenSet, token.Method, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {cc.ClientID},
		"client_secret": {cc.ClientSecret},
	}
	return c.post(ctx, cc, form)
}

// post runs the two-stage request. The direct fallback fires only when the
// internal service is down, never to mask a provider-side rejection.
func (c *HTTPTokenClient) post(ctx context.Context, cc token.ClientCredentials, form url.Values) (*token.TokenSet, token.Method, error) {
	if c.serviceURL != "" {
		set, err := c.doForm(ctx, c.serviceURL+"/oauth/token", form)
		if err == nil {
			return set, token.MethodService, nil
		}
		if !serviceDown(err) {
			return nil, token.MethodService, err
		}
		logx.WithError(err).Warn("oauth service unreachable, falling back to direct provider call")
	}

	if cc.TokenURL == "" {
		return nil, token.MethodDirect, token.ErrRegistry.New(token.CodeServiceUnavailable).
			WithDetail("reason", "no provider token endpoint configured for direct fallback")
	}

	set, err := c.doForm(ctx, cc.TokenURL, form)
	if err != nil {
		return nil, token.MethodDirect, err
	}
	return set, token.MethodDirect, nil
}

// serviceDown reports whether the failure is the internal service being
// unreachable, as opposed to the provider rejecting the grant through it.
func serviceDown(err error) bool {
	return errx.IsCode(err, token.CodeServiceUnavailable.Code) ||
		errx.IsCode(err, token.CodeNetworkError.Code)
}

// errorBody is the RFC 6749 error response shape.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *HTTPTokenClient) doForm(ctx context.Context, endpoint string, form url.Values) (*token.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, token.ErrRegistry.NewWithCause(token.CodeUnknown, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, token.ErrRegistry.NewWithCause(token.CodeNetworkError, err).
			WithDetail("endpoint", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, token.ErrRegistry.NewWithCause(token.CodeNetworkError, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var set token.TokenSet
		if err := json.Unmarshal(body, &set); err != nil {
			return nil, token.ErrRegistry.NewWithCause(token.CodeUnknown, err).
				WithDetail("endpoint", endpoint)
		}
		if set.AccessToken == "" {
			return nil, token.ErrRegistry.New(token.CodeUnknown).
				WithDetail("reason", "2xx response without access_token")
		}
		return &set, nil
	}

	return nil, classify(resp.StatusCode, body, endpoint)
}

// classify maps an error response to a failure kind.
func classify(status int, body []byte, endpoint string) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	switch {
	case eb.Error == "invalid_grant":
		return token.ErrRegistry.New(token.CodeInvalidRefreshToken).
			WithDetail("description", eb.ErrorDescription)
	case eb.Error == "invalid_client" || eb.Error == "unauthorized_client":
		return token.ErrRegistry.New(token.CodeInvalidClient).
			WithDetail("description", eb.ErrorDescription)
	case eb.Error == "temporarily_unavailable" || eb.Error == "service_unavailable":
		return token.ErrRegistry.New(token.CodeServiceUnavailable).
			WithDetail("endpoint", endpoint)
	case status == http.StatusTooManyRequests:
		return token.ErrRegistry.New(token.CodeProviderRateLimit).
			WithDetail("endpoint", endpoint)
	case status >= 500:
		return token.ErrRegistry.New(token.CodeServiceUnavailable).
			WithDetail("endpoint", endpoint).
			WithDetail("status", status)
	case status == http.StatusUnauthorized:
		return token.ErrRegistry.New(token.CodeInvalidClient).
			WithDetail("endpoint", endpoint)
	default:
		return token.ErrRegistry.New(token.CodeUnknown).
			WithDetail("endpoint", endpoint).
			WithDetail("status", status).
			WithDetail("error", eb.Error)
	}
}
