// Package registry is a client for the external vehicle registry REST API.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	sessionHeader  = "X-Session-Id"
	codeOK         = 0
)

// ErrNotFound is returned when the registry answers 404.
var ErrNotFound = errors.New("registry: not found")

// ResultError is a non-zero result code reported inside the response envelope.
type ResultError struct {
	Code    int
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("registry: result code %d: %s", e.Code, e.Message)
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry: http %d", e.StatusCode)
	}
	return fmt.Sprintf("registry: http %d: %s", e.StatusCode, e.Body)
}

// Session is a short-lived login session id.
type Session string

// Vehicle is the registry representation of a vehicle.
type Vehicle struct {
	ID             string            `json:"id,omitempty"`
	VIN            string            `json:"vin"`
	VehicleModelID string            `json:"vehicleModelId,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// VehicleModel is an entry of the registry model catalog.
type VehicleModel struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Client calls the registry over HTTP. It holds no session state.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithTimeout bounds every request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its timeout must be set.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// NewClient constructs a registry client.
func NewClient(baseURL, username, password string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("registry: empty base url")
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client.Timeout <= 0 {
		return nil, errors.New("registry: http client timeout required")
	}
	return c, nil
}

type envelope struct {
	Result struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"result"`
	Data json.RawMessage `json:"data"`
}

// Login opens a new session.
func (c *Client) Login(ctx context.Context) (Session, error) {
	body := map[string]string{
		"username": c.username,
		"password": c.password,
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/login", "", body, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errors.New("registry: login returned empty session")
	}
	return Session(resp.SessionID), nil
}

// CreateVehicle registers a vehicle.
func (c *Client) CreateVehicle(ctx context.Context, session Session, vehicle Vehicle) error {
	if vehicle.VIN == "" {
		return errors.New("registry: empty vin")
	}
	return c.doJSON(ctx, http.MethodPost, "/api/vehicles", session, vehicle, nil)
}

// FindVehicleID looks up the registry id of vin.
func (c *Client) FindVehicleID(ctx context.Context, session Session, vin string) (string, bool, error) {
	if vin == "" {
		return "", false, errors.New("registry: empty vin")
	}
	var vehicles []Vehicle
	err := c.doJSON(ctx, http.MethodGet, "/api/vehicles?vin="+url.QueryEscape(vin), session, nil, &vehicles)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	for _, vehicle := range vehicles {
		if vehicle.VIN == vin && vehicle.ID != "" {
			return vehicle.ID, true, nil
		}
	}
	return "", false, nil
}

// UpdateVehicle replaces the vehicle with registry id.
func (c *Client) UpdateVehicle(ctx context.Context, session Session, id string, vehicle Vehicle) error {
	if id == "" {
		return errors.New("registry: empty vehicle id")
	}
	vehicle.ID = id
	return c.doJSON(ctx, http.MethodPut, "/api/vehicles/"+url.PathEscape(id), session, vehicle, nil)
}

// DeleteVehicle removes the vehicle with registry id.
func (c *Client) DeleteVehicle(ctx context.Context, session Session, id string) error {
	if id == "" {
		return errors.New("registry: empty vehicle id")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/vehicles/"+url.PathEscape(id), session, nil, nil)
}

// ListVehicleModels returns the model catalog.
func (c *Client) ListVehicleModels(ctx context.Context, session Session) ([]VehicleModel, error) {
	var models []VehicleModel
	if err := c.doJSON(ctx, http.MethodGet, "/api/vehicle-models", session, nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, session Session, body any, out any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if session != "" {
		req.Header.Set(sessionHeader, string(session))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("registry: decode response: %w", err)
	}
	if env.Result.Code != codeOK {
		return &ResultError{Code: env.Result.Code, Message: env.Result.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("registry: decode data: %w", err)
	}
	return nil
}
