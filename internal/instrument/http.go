package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// APIError is a non-2xx response from the instrument service.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("instrument api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// DefaultRetryBackoff is the first retry delay; later retries double it.
const DefaultRetryBackoff = 500 * time.Millisecond

// HTTPResolver looks instruments up in a remote master-contract service.
type HTTPResolver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// HTTPOption configures an HTTPResolver.
type HTTPOption func(*HTTPResolver)

// NewHTTPResolver creates a resolver for the service at baseURL.
func NewHTTPResolver(baseURL, apiKey string, opts ...HTTPOption) *HTTPResolver {
	r := &HTTPResolver{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: DefaultRetryBackoff,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(r *HTTPResolver) {
		r.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) HTTPOption {
	return func(r *HTTPResolver) {
		r.maxRetries = max
		r.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(r *HTTPResolver) {
		r.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(r *HTTPResolver) {
		r.httpClient = hc
	}
}

// symtokenRow is the wire form of one master-contract row.
type symtokenRow struct {
	Exchange       string  `json:"exchange"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Token          string  `json:"token"`
	BrokerSymbol   string  `json:"brsymbol"`
	BrokerExchange string  `json:"brexchange"`
	InstrumentType string  `json:"instrumenttype"`
	LotSize        int64   `json:"lotsize"`
	TickSize       float64 `json:"tick_size"`
}

type symtokenResponse struct {
	Status string      `json:"status"`
	Data   symtokenRow `json:"data"`
}

// Lookup implements Source. A 404 maps to ErrNotFound.
func (r *HTTPResolver) Lookup(ctx context.Context, broker, exchange, symbol string) (model.Instrument, error) {
	exchange, symbol = normalize(exchange, symbol)

	query := url.Values{}
	query.Set("exchange", exchange)
	query.Set("symbol", symbol)
	if broker != "" {
		query.Set("broker", broker)
	}

	var resp symtokenResponse
	if err := r.get(ctx, "/api/v1/symtoken", query, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return model.Instrument{}, fmt.Errorf("%w: %s:%s", ErrNotFound, exchange, symbol)
		}
		return model.Instrument{}, err
	}
	if resp.Data.Token == "" {
		return model.Instrument{}, fmt.Errorf("%w: %s:%s", ErrNotFound, exchange, symbol)
	}

	d := resp.Data
	return model.Instrument{
		Exchange:       d.Exchange,
		Symbol:         d.Symbol,
		Name:           d.Name,
		Token:          d.Token,
		BrokerSymbol:   d.BrokerSymbol,
		BrokerExchange: d.BrokerExchange,
		InstrumentType: d.InstrumentType,
		LotSize:        d.LotSize,
		TickSize:       d.TickSize,
	}, nil
}

// doRequest performs an HTTP request with the given method and path.
func (r *HTTPResolver) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	fullURL := r.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-API-KEY", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}

// doWithRetry performs a request with exponential backoff retry.
func (r *HTTPResolver) doWithRetry(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := r.retryBackoff

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			// backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			r.logger.Debug("retrying instrument lookup",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := r.doRequest(ctx, method, path, query)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// get performs a GET request with retries.
func (r *HTTPResolver) get(ctx context.Context, path string, query url.Values, result any) error {
	body, err := r.doWithRetry(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
