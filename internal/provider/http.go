package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// doRequest sends req and classifies the response: 5xx and transport errors
// are transient, other 4xx are permanent.
func doRequest(client *http.Client, vendor string, req *http.Request) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp, body, fmt.Errorf("%s temporary error: %s", vendor, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return resp, body, backoff.Permanent(fmt.Errorf("%s permanent error: %s: %s", vendor, resp.Status, strings.TrimSpace(string(body))))
	}
	return resp, body, nil
}

func postJSON(ctx context.Context, client *http.Client, vendor, url string, headers map[string]string, payload any) (*http.Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(client, vendor, req)
}
