// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PowerCommand is the body posted to the power-to-deliver endpoint.
type PowerCommand struct {
	DeviceID         string `json:"deviceId"`
	PowerToDeliverKw int32  `json:"powerToDeliverKw"`
	Timestamp        int64  `json:"timestamp"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code: %d", e.URL, e.StatusCode)
}

// Client posts power commands and readings to the upstream service.
type Client struct {
	httpClient  *http.Client
	powerURL    string
	readingsURL string
}

func NewClient(httpClient *http.Client, powerURL, readingsURL string) *Client {
	return &Client{
		httpClient:  httpClient,
		powerURL:    powerURL,
		readingsURL: readingsURL,
	}
}

// SendPower posts a power command and returns the response status code.
func (c *Client) SendPower(ctx context.Context, cmd PowerCommand) (int, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}
	return c.post(ctx, c.powerURL, body)
}

// SubmitReadings forwards a readings payload unchanged.
func (c *Client) SubmitReadings(ctx context.Context, payload []byte) (int, error) {
	return c.post(ctx, c.readingsURL, payload)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return response.StatusCode, &StatusError{URL: url, StatusCode: response.StatusCode}
	}
	return response.StatusCode, nil
}
