package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/userscript-bridge/internal/resilience"
)

const chunkSize = 32 * 1024

// ClientConfig configures the resty-backed fetcher.
type ClientConfig struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	RateLimitRPS float64
	UserAgent    string
}

// DefaultClientConfig returns conservative client settings. Retries are off
// because scripts may send non-idempotent requests.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      30 * time.Second,
		RetryCount:   0,
		RetryWait:    time.Second,
		RetryMaxWait: 30 * time.Second,
		UserAgent:    "UserscriptBridge/1.0",
	}
}

// Client streams responses through resty with rate limiting and a circuit
// breaker. It implements Fetcher.
type Client struct {
	Resty   *resty.Client
	Limiter *rate.Limiter
	Breaker *resilience.Breaker
	Mu      sync.RWMutex
}

// NewClient creates the production fetcher.
func NewClient(cfg ClientConfig) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryCount
	retryClient.RetryWaitMin = cfg.RetryWait
	retryClient.RetryWaitMax = cfg.RetryMaxWait
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait)
	if cfg.UserAgent != "" {
		restyClient.SetHeader("User-Agent", cfg.UserAgent)
	}

	// Pooled transport from retryablehttp's cleanhttp defaults.
	restyClient.SetTransport(retryClient.HTTPClient.Transport)

	breaker := resilience.New(resilience.Settings{
		Probes:   5,
		Window:   60 * time.Second,
		Cooldown: 30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10 ||
				(counts.Requests >= 20 && float64(counts.Failures)/float64(counts.Requests) > 0.7)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	c := &Client{
		Resty:   restyClient,
		Limiter: rate.NewLimiter(rate.Inf, 0),
		Breaker: breaker,
	}
	c.SetRateLimit(cfg.RateLimitRPS)
	return c
}

// SetRateLimit configures requests per second; zero or less is unlimited.
func (c *Client) SetRateLimit(rps float64) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if rps <= 0 {
		c.Limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	c.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// Fetch issues req and streams the raw body to sink in chunks.
func (c *Client) Fetch(ctx context.Context, req *Request, sink Sink) error {
	c.Mu.RLock()
	limiter := c.Limiter
	c.Mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	return c.Breaker.Execute(func() error {
		return c.stream(ctx, req, sink)
	})
}

func (c *Client) stream(ctx context.Context, req *Request, sink Sink) error {
	r := c.Resty.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)

	for key, values := range req.Header {
		for _, v := range values {
			r.Header.Add(key, v)
		}
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(strings.ToUpper(req.Method), req.URL)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	body := resp.RawBody()
	if body == nil {
		sink.OnResponse(headOf(resp))
		return nil
	}
	defer body.Close()

	sink.OnResponse(headOf(resp))

	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			sink.OnData(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
	}
}

func headOf(resp *resty.Response) *ResponseHead {
	head := &ResponseHead{
		Status:     resp.StatusCode(),
		StatusText: strings.TrimPrefix(resp.Status(), strconv.Itoa(resp.StatusCode())+" "),
		Header:     resp.Header(),
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		head.FinalURL = raw.Request.URL.String()
	}
	return head
}
