package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tradecraft-ai/voicelab/internal/httpc"
)

// issueResponse is the broker's wire format.
type issueResponse struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// issueRequest is what we send to the broker.
type issueRequest struct {
	Voice string `json:"voice,omitempty"`
	Model string `json:"model,omitempty"`
}

// HTTPBroker is a Source backed by the credential broker's REST API.
// Service-to-service auth uses OAuth2 client credentials when configured,
// or a static bearer key otherwise.
type HTTPBroker struct {
	baseURL string
	voice   string
	model   string
	logger  *slog.Logger

	httpClient *http.Client
}

// HTTPBrokerOption configures an HTTPBroker.
type HTTPBrokerOption func(*HTTPBroker)

// WithOAuth2 authenticates broker requests with the OAuth2 client
// credentials flow against the given token endpoint.
func WithOAuth2(clientID, clientSecret, tokenURL string) HTTPBrokerOption {
	return func(b *HTTPBroker) {
		cc := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, b.httpClient)
		b.httpClient = cc.Client(ctx)
	}
}

// WithAPIKey authenticates broker requests with a static bearer key.
func WithAPIKey(key string) HTTPBrokerOption {
	return func(b *HTTPBroker) {
		b.httpClient = &http.Client{
			Timeout: b.httpClient.Timeout,
			Transport: &bearerTransport{
				key:  key,
				base: b.httpClient.Transport,
			},
		}
	}
}

// WithVoice sets the voice identity requested for minted sessions.
func WithVoice(voice string) HTTPBrokerOption {
	return func(b *HTTPBroker) {
		b.voice = voice
	}
}

// WithModel sets the model requested for minted sessions.
func WithModel(model string) HTTPBrokerOption {
	return func(b *HTTPBroker) {
		b.model = model
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) HTTPBrokerOption {
	return func(b *HTTPBroker) {
		b.logger = logger
	}
}

// NewHTTPBroker creates a broker client for the given base URL.
func NewHTTPBroker(baseURL string, opts ...HTTPBrokerOption) *HTTPBroker {
	b := &HTTPBroker{
		baseURL:    baseURL,
		logger:     slog.Default(),
		httpClient: httpc.Client,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "credentials.broker")
	return b
}

// Issue implements Source. One call mints one single-use credential.
func (b *HTTPBroker) Issue(ctx context.Context) (*Credential, error) {
	body, err := json.Marshal(issueRequest{Voice: b.voice, Model: b.model})
	if err != nil {
		return nil, fmt.Errorf("credentials: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/api/session", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("credentials: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrDenied, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnreachable, resp.StatusCode)
	}

	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnreachable, err)
	}
	if out.Value == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrDenied)
	}

	b.logger.Debug("credential issued", "expires_at", out.ExpiresAt)

	return NewCredential(out.Value, out.ExpiresAt), nil
}

// bearerTransport injects a static Authorization header.
type bearerTransport struct {
	key  string
	base http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.key)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// Ensure HTTPBroker implements Source.
var _ Source = (*HTTPBroker)(nil)
