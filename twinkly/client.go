// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package twinkly implements a client for the local HTTP API exposed by
// Twinkly decorative light controllers.
//
// The device serves a small REST-like API under http://<host>/xled/v1/.
// Every call except login requires a bearer token in the X-Auth-Token
// header; the token is obtained with a fixed challenge and must be
// verified against the verify endpoint before it is used. The client
// keeps the last observed state of the device (power, brightness,
// metadata) and tracks whether the device answered its most recent poll.
//
// All operations of one Client are serialized: the device firmware
// handles one request at a time, so concurrent callers (the state
// poller, the MQTT command handler) queue behind a mutex rather than
// pipelining requests.
package twinkly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
	"github.com/soothill/twinkly-bridge/pkg/logger"
	"github.com/soothill/twinkly-bridge/pkg/metrics"
)

// DefaultName is used when no name is configured and the device has not
// reported one yet.
const DefaultName = "Twinkly light"

const (
	authHeader = "X-Auth-Token"

	epLogin      = "login"
	epVerify     = "verify"
	epMode       = "led/mode"
	epBrightness = "led/out/brightness"
	epDeviceInfo = "gestalt"

	modeMovie = "movie"
	modeOff   = "off"

	// The login endpoint expects this exact challenge. The firmware does
	// not care about its entropy; it must be preserved bit-for-bit.
	loginChallenge = "Uswkc0TgJDmwl5jrsyaYSwY8fqeLJ1ihBLAwYcuADEo="

	// Devices live on the local network; anything slower than this is
	// treated as unreachable.
	requestTimeout = 3 * time.Second

	attrHost = "host"
)

// hiddenAttributes are device-info keys that are not exposed as
// attributes: device_name is consumed for name resolution, code is the
// API status code, copyright is a vendor string, and mac does not report
// the real hardware address.
var hiddenAttributes = map[string]bool{
	"device_name": true,
	"code":        true,
	"copyright":   true,
	"mac":         true,
}

// Client talks to a single Twinkly device. Create one per physical
// device with NewClient; the zero value is not usable.
type Client struct {
	host           string
	baseURL        string
	configuredName string
	httpClient     *http.Client

	// opMu serializes all network operations and guards token.
	opMu  sync.Mutex
	token string

	// stateMu guards the cached device state below.
	stateMu    sync.RWMutex
	deviceName string
	on         bool
	brightness int
	available  bool
	attributes map[string]any
}

// NewHTTPClient returns an HTTP client tuned for talking to lights on
// the local network. One instance can back any number of Clients so
// they share a connection pool.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// NewClient creates a client for the device at host. name is an optional
// display-name override. The HTTP client is owned by the caller so it can
// be shared across devices; when nil, a client with a sane local-network
// timeout is created.
func NewClient(host string, name string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{
		host:           host,
		baseURL:        "http://" + host + "/xled/v1/",
		configuredName: name,
		httpClient:     httpClient,
		attributes:     map[string]any{attrHost: host},
	}
}

// Host returns the network address the client was configured with.
func (c *Client) Host() string {
	return c.host
}

// DisplayName resolves the name shown for this device: a configured
// override wins, then the device-reported name, then DefaultName.
func (c *Client) DisplayName() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.displayNameLocked()
}

// displayNameLocked requires stateMu to be held.
func (c *Client) displayNameLocked() string {
	if c.configuredName != "" {
		return c.configuredName
	}
	if c.deviceName != "" {
		return c.deviceName
	}
	return DefaultName
}

// IsOn reports the last polled power state.
func (c *Client) IsOn() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.on
}

// BrightnessPercent reports the last polled brightness on a 0-100 scale.
// The value is stale when IsAvailable is false.
func (c *Client) BrightnessPercent() int {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.brightness
}

// IsAvailable reports whether the most recent refresh succeeded
// end-to-end.
func (c *Client) IsAvailable() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.available
}

// Attributes returns a copy of the device attributes observed so far.
// Keys accumulate across refreshes and never contain hidden keys.
func (c *Client) Attributes() map[string]any {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.attributesLocked()
}

// attributesLocked requires stateMu to be held.
func (c *Client) attributesLocked() map[string]any {
	attrs := make(map[string]any, len(c.attributes))
	for k, v := range c.attributes {
		attrs[k] = v
	}
	return attrs
}

// State is a point-in-time copy of the cached device state.
type State struct {
	Name              string
	On                bool
	BrightnessPercent int
	Available         bool
	Attributes        map[string]any
}

// State returns a consistent snapshot of the last committed state. It
// is cheap and never blocks behind in-flight device calls.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return State{
		Name:              c.displayNameLocked(),
		On:                c.on,
		BrightnessPercent: c.brightness,
		Available:         c.available,
		Attributes:        c.attributesLocked(),
	}
}

// deviceState holds the result of one poll cycle before it is committed.
type deviceState struct {
	on         bool
	brightness int
	info       map[string]any
}

// Refresh polls the device for its current state: power mode, brightness
// and device info, in that fixed order. Either all three reads succeed
// and the cached state is replaced, or nothing is updated and the device
// is marked unavailable. Refresh never returns an error; an unreachable
// device is an expected condition (unplugged for the season), not a
// fault.
func (c *Client) Refresh(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	metrics.RefreshesTotal.Inc()
	start := time.Now()
	state, err := c.readState(ctx)
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RefreshErrors.Inc()
		logger.Debug().
			Err(err).
			Str("host", c.host).
			Msg("Refresh failed, marking device unavailable")
		c.stateMu.Lock()
		c.available = false
		c.stateMu.Unlock()
		return
	}

	c.stateMu.Lock()
	c.on = state.on
	c.brightness = state.brightness
	if name, ok := state.info["device_name"].(string); ok && name != "" {
		c.deviceName = name
	}
	for key, value := range state.info {
		if hiddenAttributes[key] {
			continue
		}
		c.attributes[key] = value
	}
	// host is normalized, never taken from the device document.
	c.attributes[attrHost] = c.host
	c.available = true
	c.stateMu.Unlock()
}

// readState performs the three poll reads and stages the results.
func (c *Client) readState(ctx context.Context) (*deviceState, error) {
	on, err := c.readMode(ctx)
	if err != nil {
		return nil, err
	}
	brightness, err := c.readBrightness(ctx)
	if err != nil {
		return nil, err
	}
	info, err := c.sendRequest(ctx, epDeviceInfo, nil)
	if err != nil {
		return nil, err
	}
	return &deviceState{on: on, brightness: brightness, info: info}, nil
}

func (c *Client) readMode(ctx context.Context) (bool, error) {
	result, err := c.sendRequest(ctx, epMode, nil)
	if err != nil {
		return false, err
	}
	mode, ok := result["mode"].(string)
	if !ok {
		return false, apperrors.NewRequestError(epMode, c.host, 0,
			fmt.Errorf("%w: missing mode field", apperrors.ErrMalformedResponse))
	}
	return mode != modeOff, nil
}

func (c *Client) readBrightness(ctx context.Context) (int, error) {
	result, err := c.sendRequest(ctx, epBrightness, nil)
	if err != nil {
		return 0, err
	}
	mode, ok := result["mode"].(string)
	if !ok {
		return 0, apperrors.NewRequestError(epBrightness, c.host, 0,
			fmt.Errorf("%w: missing mode field", apperrors.ErrMalformedResponse))
	}
	// "disabled" means the device does not dim its output: full
	// brightness, uncontrolled.
	if mode != "enabled" {
		return 100, nil
	}
	value, ok := result["value"].(float64)
	if !ok {
		return 0, apperrors.NewRequestError(epBrightness, c.host, 0,
			fmt.Errorf("%w: missing value field", apperrors.ErrMalformedResponse))
	}
	return clampPercent(int(value)), nil
}

// TurnOn switches the device into movie mode. When brightnessPercent is
// supplied it is applied first; zero is equivalent to TurnOff (the
// device has no true 0%) and results in a single mode call. Cached state
// is not updated by commands; the next Refresh reconciles it, so callers
// observe the change after at most one poll interval.
func (c *Client) TurnOn(ctx context.Context, brightnessPercent *int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if brightnessPercent != nil {
		if *brightnessPercent <= 0 {
			return c.writeMode(ctx, modeOff)
		}
		if err := c.writeBrightness(ctx, *brightnessPercent); err != nil {
			return err
		}
	}
	return c.writeMode(ctx, modeMovie)
}

// TurnOff switches the device off. Like TurnOn, the cached state catches
// up on the next Refresh.
func (c *Client) TurnOff(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.writeMode(ctx, modeOff)
}

// SetBrightness sets the output brightness without changing the power
// state.
func (c *Client) SetBrightness(ctx context.Context, percent int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.writeBrightness(ctx, percent)
}

func (c *Client) writeMode(ctx context.Context, mode string) error {
	_, err := c.sendRequest(ctx, epMode, map[string]any{"mode": mode})
	return err
}

func (c *Client) writeBrightness(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("brightness %d out of range [0,100]", percent)
	}
	_, err := c.sendRequest(ctx, epBrightness, map[string]any{"value": percent, "type": "A"})
	return err
}

// sendRequest is the single choke point for device communication. A nil
// payload issues a GET and returns the decoded JSON object; a non-nil
// payload issues a POST and discards the response body. On a 401 the
// stored token is cleared and the call retried exactly once; the empty
// token forces re-authentication on the second pass. Callers must hold
// opMu.
func (c *Client) sendRequest(ctx context.Context, endpoint string, payload any) (map[string]any, error) {
	const maxAuthRetries = 1
	for attempt := 0; ; attempt++ {
		if c.token == "" {
			if err := c.authenticate(ctx); err != nil {
				return nil, err
			}
		}

		method := http.MethodGet
		if payload != nil {
			method = http.MethodPost
		}
		body, err := c.request(ctx, method, endpoint, payload, c.token)
		if err != nil {
			if errors.Is(err, apperrors.ErrUnauthorized) && attempt < maxAuthRetries {
				c.token = ""
				continue
			}
			return nil, err
		}

		if payload != nil {
			return nil, nil
		}
		return decodeObject(endpoint, c.host, body)
	}
}

// authenticate logs in with the fixed challenge and verifies the
// returned token before storing it. A token that fails verification is
// never used.
func (c *Client) authenticate(ctx context.Context) error {
	logger.Info().Str("host", c.host).Msg("Authenticating to device")
	metrics.AuthenticationsTotal.Inc()

	body, err := c.request(ctx, http.MethodPost, epLogin, map[string]string{"challenge": loginChallenge}, "")
	if err != nil {
		metrics.AuthenticationErrors.Inc()
		return apperrors.NewAuthError("login", c.host, err)
	}
	result, err := decodeObject(epLogin, c.host, body)
	if err != nil {
		metrics.AuthenticationErrors.Inc()
		return apperrors.NewAuthError("login", c.host, err)
	}
	token, ok := result["authentication_token"].(string)
	if !ok || token == "" {
		metrics.AuthenticationErrors.Inc()
		return apperrors.NewAuthError("login", c.host,
			fmt.Errorf("%w: missing authentication_token", apperrors.ErrMalformedResponse))
	}

	if _, err := c.request(ctx, http.MethodPost, epVerify, nil, token); err != nil {
		metrics.AuthenticationErrors.Inc()
		return apperrors.NewAuthError("verify token", c.host, err)
	}

	c.token = token
	logger.Debug().Str("host", c.host).Msg("Token verified")
	return nil
}

// request performs one HTTP round trip against the device and returns
// the raw response body. Transport failures are classified as timeout or
// unreachable; non-2xx statuses become RequestErrors, with 401 carrying
// ErrUnauthorized so the dispatch loop can recognize it.
func (c *Client) request(ctx context.Context, method, endpoint string, payload any, token string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.NewRequestError(endpoint, c.host, 0, err)
		}
		reader = bytes.NewReader(data)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, apperrors.NewRequestError(endpoint, c.host, 0, err)
	}
	if token != "" {
		req.Header.Set(authHeader, token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewRequestError(endpoint, c.host, 0,
			fmt.Errorf("%w: %v", classifyTransportError(err), err))
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, apperrors.NewRequestError(endpoint, c.host, resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, apperrors.NewRequestError(endpoint, c.host, resp.StatusCode, apperrors.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewRequestError(endpoint, c.host, resp.StatusCode,
			fmt.Errorf("device returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return body, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.ErrTimeout
	}
	return apperrors.ErrDeviceUnreachable
}

func decodeObject(endpoint, host string, body []byte) (map[string]any, error) {
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.NewRequestError(endpoint, host, 0,
			fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err))
	}
	return result, nil
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
