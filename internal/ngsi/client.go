// Package ngsi is the typed HTTP client for the NGSI-LD v1 subset the
// control loop uses, plus the notification receiver that broker
// subscriptions deliver to. It knows nothing about traffic; entity shapes
// live in internal/model.
package ngsi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adaptive-traffic-control/internal/jsonx"
)

var (
	// ErrQueryTooBroad is returned for a query carrying no filter at all.
	// Listing the whole broker is never what the control loop wants.
	ErrQueryTooBroad = errors.New("ngsi: query carries no filter")

	// ErrConflict is returned on a 409, typically create-of-existing.
	// Callers fall back to PatchAttrs.
	ErrConflict = errors.New("ngsi: entity already exists")

	// ErrNotFound is returned on a 404.
	ErrNotFound = errors.New("ngsi: entity not found")
)

// StatusError carries a non-2xx broker response with its body intact.
type StatusError struct {
	Op     string
	ID     string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ngsi: %s %s: status %d: %s", e.Op, e.ID, e.Code, e.Body)
}

// Config holds the broker client configuration.
type Config struct {
	// BrokerURL is the NGSI-LD v1 base, e.g. http://fiware-orionld:1026/ngsi-ld/v1.
	BrokerURL string
	// ContextURL is the JSON-LD @context link attached to every request.
	ContextURL string
	// Timeout bounds a single request end to end.
	Timeout time.Duration
	// ConnectTimeout bounds dialing.
	ConnectTimeout time.Duration
	// MaxRetries bounds retries of transient failures (network, 5xx).
	MaxRetries uint64
	// MaxIdleConns caps the keep-alive pool towards the broker.
	MaxIdleConns int
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "http://fiware-orionld:1026/ngsi-ld/v1",
		ContextURL:     "https://raw.githubusercontent.com/smart-data-models/dataModel.Transportation/master/context.jsonld",
		Timeout:        30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		MaxRetries:     3,
		MaxIdleConns:   16,
	}
}

// Client is a thin typed client over the broker's HTTP surface.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a broker client with a pooled keep-alive transport.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.Named("ngsi"),
	}
}

// linkHeader is the JSON-LD context link sent on requests without an
// inline @context.
func (c *Client) linkHeader() string {
	return fmt.Sprintf(`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, c.cfg.ContextURL)
}

// CreateEntity POSTs an entity. A broker 409 surfaces as ErrConflict so the
// caller can fall back to a patch.
func (c *Client) CreateEntity(ctx context.Context, entity interface{}) error {
	body, err := jsonx.Marshal(entity)
	if err != nil {
		return fmt.Errorf("ngsi: marshal entity: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/entities", body, "application/ld+json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return ErrConflict
	default:
		return c.statusError("create entity", "", resp)
	}
}

// PatchAttrs PATCHes a partial attribute set onto an existing entity.
func (c *Client) PatchAttrs(ctx context.Context, id string, attrs interface{}) error {
	body, err := jsonx.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("ngsi: marshal attrs for %s: %w", id, err)
	}
	resp, err := c.do(ctx, http.MethodPatch, "/entities/"+url.PathEscape(id)+"/attrs", body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("patch attrs %s: %w", id, ErrNotFound)
	default:
		return c.statusError("patch attrs", id, resp)
	}
}

// GetEntity fetches one entity by id into out.
func (c *Client) GetEntity(ctx context.Context, id string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(id), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := jsonx.Decode(resp.Body, out); err != nil {
			return fmt.Errorf("ngsi: decode entity %s: %w", id, err)
		}
		return nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("get entity %s: %w", id, ErrNotFound)
	default:
		return c.statusError("get entity", id, resp)
	}
}

// QueryFilter narrows an entity query. At least one of Type, Query or the
// geo triple must be set.
type QueryFilter struct {
	Type        string
	Query       string // NGSI-LD q expression
	GeoRel      string
	Geometry    string
	Coordinates string
	Limit       int
	Offset      int
	Simplified  bool
	Count       bool
}

func (f QueryFilter) validate() error {
	if f.Type == "" && f.Query == "" && f.GeoRel == "" {
		return ErrQueryTooBroad
	}
	if f.GeoRel != "" && (f.Geometry == "" || f.Coordinates == "") {
		return fmt.Errorf("ngsi: georel requires geometry and coordinates: %w", ErrQueryTooBroad)
	}
	return nil
}

func (f QueryFilter) values() url.Values {
	v := url.Values{}
	if f.Type != "" {
		v.Set("type", f.Type)
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	if f.GeoRel != "" {
		v.Set("georel", f.GeoRel)
		v.Set("geometry", f.Geometry)
		v.Set("coordinates", f.Coordinates)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Simplified {
		v.Set("format", "simplified")
	}
	if f.Count {
		v.Set("count", "true")
	}
	return v
}

// QueryEntities lists entities matching the filter. The raw fragments let
// the caller pick a concrete model type per entity.
func (c *Client) QueryEntities(ctx context.Context, f QueryFilter) ([]jsonx.RawMessage, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/entities?"+f.values().Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("query entities", f.Type, resp)
	}
	var out []jsonx.RawMessage
	if err := jsonx.Decode(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("ngsi: decode query result: %w", err)
	}
	return out, nil
}

// DeleteEntity removes an entity.
func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/entities/"+url.PathEscape(id), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("delete entity %s: %w", id, ErrNotFound)
	default:
		return c.statusError("delete entity", id, resp)
	}
}

// do issues one request with the JSON-LD context attached, retrying network
// errors and 5xx responses with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var resp *http.Response

	attempt := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BrokerURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("ngsi: build request: %w", err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if contentType != "application/ld+json" {
			// Context travels inline for ld+json bodies, via Link otherwise.
			req.Header.Set("Link", c.linkHeader())
		}
		req.Header.Set("Accept", "application/ld+json")

		r, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("broker request failed, retrying",
				zap.String("method", method),
				zap.String("path", path),
				zap.Error(err))
			return err
		}
		if r.StatusCode >= 500 {
			b, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			c.logger.Warn("broker returned server error, retrying",
				zap.String("path", path),
				zap.Int("status", r.StatusCode))
			return &StatusError{Op: method, ID: path, Code: r.StatusCode, Body: string(b)}
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, fmt.Errorf("ngsi: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) statusError(op, id string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, ID: id, Code: resp.StatusCode, Body: string(b)}
}

// Subscription is the NGSI-LD subscription shape the core creates.
type Subscription struct {
	ID                string               `json:"id,omitempty"`
	Type              string               `json:"type"`
	Entities          []SubscriptionEntity `json:"entities"`
	WatchedAttributes []string             `json:"watchedAttributes,omitempty"`
	Notification      NotificationParams   `json:"notification"`
	Context           []string             `json:"@context,omitempty"`
}

// SubscriptionEntity selects entities by type and optional id pattern.
type SubscriptionEntity struct {
	Type      string `json:"type"`
	IDPattern string `json:"idPattern,omitempty"`
}

// NotificationParams names the endpoint notifications are POSTed to.
type NotificationParams struct {
	Attributes []string `json:"attributes,omitempty"`
	Endpoint   Endpoint `json:"endpoint"`
}

// Endpoint is the notification sink.
type Endpoint struct {
	URI    string `json:"uri"`
	Accept string `json:"accept,omitempty"`
}

// NewSubscription builds a subscription for one entity type with a fresh id.
func NewSubscription(entityType, idPattern, endpointURI string, watched []string) *Subscription {
	return &Subscription{
		ID:   "urn:ngsi-ld:Subscription:" + uuid.NewString(),
		Type: "Subscription",
		Entities: []SubscriptionEntity{
			{Type: entityType, IDPattern: idPattern},
		},
		WatchedAttributes: watched,
		Notification: NotificationParams{
			Endpoint: Endpoint{URI: endpointURI, Accept: "application/json"},
		},
	}
}

// CreateSubscription registers a subscription and returns its id.
func (c *Client) CreateSubscription(ctx context.Context, sub *Subscription) (string, error) {
	if len(sub.Context) == 0 {
		sub.Context = []string{c.cfg.ContextURL}
	}
	body, err := jsonx.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("ngsi: marshal subscription: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/subscriptions", body, "application/ld+json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		// Orion echoes the id in Location; fall back to the one we minted.
		if loc := resp.Header.Get("Location"); loc != "" {
			return loc[strings.LastIndexByte(loc, '/')+1:], nil
		}
		return sub.ID, nil
	case http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return sub.ID, ErrConflict
	default:
		return "", c.statusError("create subscription", sub.ID, resp)
	}
}

// DeleteSubscription removes a subscription, used during teardown.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return c.statusError("delete subscription", id, resp)
	}
}
