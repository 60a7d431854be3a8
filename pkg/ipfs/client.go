package ipfs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
)

// Store is the content-addressed archive contract. Publish never fails
// from the caller's point of view: when the pinning service is
// unreachable or unconfigured the returned locator is a local
// placeholder. Resolve is best-effort; absence is not an error.
type Store interface {
	Publish(ctx context.Context, payload models.ArchivePayload) string
	Resolve(ctx context.Context, locator string) (models.ArchivePayload, bool)
	Mode() models.PublishMode
}

const (
	defaultPinURL     = "https://api.pinata.cloud"
	defaultGatewayURL = "https://gateway.pinata.cloud"
	defaultTimeout    = 10 * time.Second

	// defaultLocalLatency preserves caller timing assumptions when no
	// pinning service is configured.
	defaultLocalLatency = 300 * time.Millisecond
)

var fallbackPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// IsFallbackLocator reports whether the locator is a local placeholder
// rather than a provider-issued content hash. Placeholder locators are
// never resolvable.
func IsFallbackLocator(s string) bool {
	return fallbackPattern.MatchString(s)
}

// FallbackLocator produces a syntactically valid placeholder locator
// without any network access.
func FallbackLocator() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; keep the
		// locator shape valid regardless.
		return "0x" + hex.EncodeToString(make([]byte, 32))
	}
	return "0x" + hex.EncodeToString(b[:])
}

// Config holds the pinning endpoints and credentials for a Client.
type Config struct {
	Credentials  models.PublishConfig
	PinURL       string
	GatewayURL   string
	Timeout      time.Duration
	LocalLatency time.Duration
}

// Client publishes archive payloads to Pinata and resolves locators
// through an IPFS gateway. With no credentials every call runs in local
// mode; SetCredentials flips the whole client at once.
type Client struct {
	mu           sync.RWMutex
	creds        models.PublishConfig
	pinURL       string
	gatewayURL   string
	timeout      time.Duration
	localLatency time.Duration
	http         *fasthttp.Client
}

// NewClient builds a Client from cfg, filling defaults for empty fields.
func NewClient(cfg Config) *Client {
	c := &Client{
		creds:        cfg.Credentials,
		pinURL:       cfg.PinURL,
		gatewayURL:   cfg.GatewayURL,
		timeout:      cfg.Timeout,
		localLatency: cfg.LocalLatency,
		http:         &fasthttp.Client{},
	}
	if c.pinURL == "" {
		c.pinURL = defaultPinURL
	}
	if c.gatewayURL == "" {
		c.gatewayURL = defaultGatewayURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.localLatency < 0 {
		c.localLatency = 0
	} else if c.localLatency == 0 {
		c.localLatency = defaultLocalLatency
	}
	return c
}

// Mode returns the effective publish mode.
func (c *Client) Mode() models.PublishMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds.Mode()
}

// Credentials returns the current credentials record.
func (c *Client) Credentials() models.PublishConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// SetCredentials swaps the pinning credentials. The mode change is
// process-wide and atomic: there is no partial state.
func (c *Client) SetCredentials(creds models.PublishConfig) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	logger.Info("publish_mode_changed", "mode", creds.Mode().String())
}

// Publish archives the payload and returns its locator. In local mode,
// or when the pinning service fails, the locator is a placeholder and
// delivery proceeds regardless.
func (c *Client) Publish(ctx context.Context, payload models.ArchivePayload) string {
	publishTotal.Inc()
	if c.Mode() == models.PublishLocal {
		c.simulateLatency(ctx)
		loc := FallbackLocator()
		logger.Debug("publish_local", "locator", loc)
		return loc
	}
	loc, err := c.pin(ctx, payload)
	if err != nil {
		publishFallbackTotal.Inc()
		logger.Warn("publish_degraded_to_fallback", "error", err)
		return FallbackLocator()
	}
	logger.Debug("payload_pinned", "locator", loc)
	return loc
}

// Resolve fetches the payload behind a provider-issued locator through
// the gateway. Placeholder locators and any transport or decode failure
// yield absent; callers must tolerate missing enrichment.
func (c *Client) Resolve(ctx context.Context, locator string) (models.ArchivePayload, bool) {
	if locator == "" || IsFallbackLocator(locator) {
		return models.ArchivePayload{}, false
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/ipfs/%s", c.gatewayURL, locator))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.do(ctx, req, resp); err != nil {
		logger.Debug("resolve_failed", "locator", locator, "error", err)
		return models.ArchivePayload{}, false
	}
	if resp.StatusCode() >= 400 {
		logger.Debug("resolve_failed", "locator", locator, "status", resp.StatusCode())
		return models.ArchivePayload{}, false
	}
	var payload models.ArchivePayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		logger.Debug("resolve_invalid_payload", "locator", locator, "error", err)
		return models.ArchivePayload{}, false
	}
	return payload, true
}

type pinRequest struct {
	PinataContent models.ArchivePayload `json:"pinataContent"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

func (c *Client) pin(ctx context.Context, payload models.ArchivePayload) (string, error) {
	body, err := json.Marshal(pinRequest{PinataContent: payload})
	if err != nil {
		return "", fmt.Errorf("failed to marshal pin request: %w", err)
	}

	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.pinURL + "/pinning/pinJSONToIPFS")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("pinata_api_key", creds.APIKey)
	req.Header.Set("pinata_secret_api_key", creds.SecretKey)
	req.SetBody(body)

	if err := c.do(ctx, req, resp); err != nil {
		return "", fmt.Errorf("pin request failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("pin error (status %d): %s", resp.StatusCode(), resp.Body())
	}
	var pr pinResponse
	if err := json.Unmarshal(resp.Body(), &pr); err != nil {
		return "", fmt.Errorf("failed to parse pin response: %w", err)
	}
	if pr.IpfsHash == "" {
		return "", fmt.Errorf("pin response missing hash")
	}
	return pr.IpfsHash, nil
}

// do issues the request with the client timeout, honoring an earlier
// context deadline when one is set.
func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.http.DoDeadline(req, resp, deadline)
}

func (c *Client) simulateLatency(ctx context.Context) {
	if c.localLatency <= 0 {
		return
	}
	select {
	case <-time.After(c.localLatency):
	case <-ctx.Done():
	}
}
