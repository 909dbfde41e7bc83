package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/papertrader/core/internal/apperr"
)

const (
	restBaseTimeout  = 10 * time.Second
	restMaxAttempts  = 3
	restRetryBase    = 250 * time.Millisecond
)

// RESTClient is the broker's HTTP API for quote lookups and historical
// candles. Neither the Price Oracle nor the Candle Engine calls it, and the
// composition root does not construct one.
type RESTClient struct {
	baseURL    string
	apiKey     string
	tokens     TokenSource
	httpClient *http.Client
	log        zerolog.Logger
}

// NewRESTClient builds a REST fallback client against the same upstream
// broker, reusing the HTTP/1.1-forced transport the websocket dial uses.
func NewRESTClient(baseURL, apiKey string, tokens TokenSource, log zerolog.Logger) *RESTClient {
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		tokens:     tokens,
		httpClient: http1Client(),
		log:        log.With().Str("component", "broker.RESTClient").Logger(),
	}
}

// Quote is a single instrument's last-known price and volume as reported by
// the quotes endpoint.
type Quote struct {
	InstrumentKey string  `json:"instrument_key"`
	LastPrice     float64 `json:"last_price"`
	PrevClose     float64 `json:"prev_close"`
	Volume        int64   `json:"volume"`
	Timestamp     int64   `json:"timestamp"`
}

type quoteEnvelope struct {
	Status string           `json:"status"`
	Data   map[string]Quote `json:"data"`
}

// Quotes fetches current quotes for a set of instrument keys via
// /market-quote/quotes.
func (c *RESTClient) Quotes(ctx context.Context, instrumentKeys []string) (map[string]Quote, error) {
	if len(instrumentKeys) == 0 {
		return map[string]Quote{}, nil
	}

	url := fmt.Sprintf("%s/market-quote/quotes?instrument_key=%s", c.baseURL, strings.Join(instrumentKeys, ","))

	var env quoteEnvelope
	if err := c.doJSON(ctx, http.MethodGet, url, &env); err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, apperr.New(apperr.UpstreamAuth, "QUOTE_FETCH_FAILED", "upstream quote request did not return success")
	}
	return env.Data, nil
}

// Candle is one OHLCV bar as reported by the historical-candle endpoint.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

type candleEnvelope struct {
	Status string `json:"status"`
	Data   struct {
		Candles []Candle `json:"candles"`
	} `json:"data"`
}

// HistoricalCandles fetches backfill bars for an instrument and interval via
// /historical-candle/{instrumentKey}/{interval}/{toDate}/{fromDate}. The
// Candle Engine does not call it; its series start from the first live tick.
func (c *RESTClient) HistoricalCandles(ctx context.Context, instrumentKey, interval string, from, to time.Time) ([]Candle, error) {
	url := fmt.Sprintf("%s/historical-candle/%s/%s/%s/%s",
		c.baseURL, instrumentKey, interval, to.Format("2006-01-02"), from.Format("2006-01-02"))

	var env candleEnvelope
	if err := c.doJSON(ctx, http.MethodGet, url, &env); err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, apperr.New(apperr.UpstreamAuth, "CANDLE_BACKFILL_FAILED", "upstream historical-candle request did not return success")
	}
	return env.Data.Candles, nil
}

// doJSON issues a GET with bearer auth and retries transient 5xx/network
// failures with a short linear backoff. 4xx responses are never retried.
func (c *RESTClient) doJSON(ctx context.Context, method, url string, out any) error {
	var lastErr error

	for attempt := 1; attempt <= restMaxAttempts; attempt++ {
		err := c.attempt(ctx, method, url, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		select {
		case <-time.After(time.Duration(attempt) * restRetryBase):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return apperr.Wrap(apperr.UpstreamTimeout, "REST_RETRIES_EXHAUSTED", lastErr)
}

type retryableError struct{ err error }

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error  { return r.err }

func isRetryable(err error) bool {
	_, ok := err.(retryableError)
	return ok
}

func (c *RESTClient) attempt(ctx context.Context, method, url string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, restBaseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return err
	}

	token, err := c.tokens.Token(reqCtx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retryableError{err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return retryableError{err}
	}

	if resp.StatusCode >= 500 {
		return retryableError{fmt.Errorf("upstream %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 400 {
		return apperr.New(apperr.UpstreamAuth, "REST_CLIENT_ERROR", fmt.Sprintf("upstream %d: %s", resp.StatusCode, body))
	}

	return json.Unmarshal(body, out)
}
