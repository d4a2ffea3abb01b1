package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the external fleet service that owns vehicle records.
// Dispatch only ever asks two things of it: which vehicle a driver is
// on, and to flip a vehicle back to available.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint, HTTP: &http.Client{Timeout: 2 * time.Second}}
}

func (c *Client) VehicleFor(ctx context.Context, driverID string) (string, error) {
	url := fmt.Sprintf("%s/api/v1/drivers/%s/vehicle", c.Endpoint, driverID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fleet service: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		VehicleID string `json:"vehicle_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.VehicleID, nil
}

func (c *Client) Release(ctx context.Context, vehicleID string) error {
	url := fmt.Sprintf("%s/api/v1/vehicles/%s/release", c.Endpoint, vehicleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fleet service: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Noop stands in when no fleet endpoint is configured (local runs,
// tests): every driver is vehicle-less and release always succeeds.
type Noop struct{}

func (Noop) VehicleFor(ctx context.Context, driverID string) (string, error) { return "", nil }
func (Noop) Release(ctx context.Context, vehicleID string) error             { return nil }
