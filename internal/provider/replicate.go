package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.replicate.com"

// HTTPClient talks to a Replicate-compatible predictions API.
type HTTPClient struct {
	BaseURL      string
	Token        string
	ModelVersion string
	HTTP         *http.Client
	// Limiter throttles outgoing calls (submits and status polls share it).
	Limiter *rate.Limiter
	Logger  *log.Logger
}

func (c *HTTPClient) EnsureDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 20 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

type predictionWire struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	// Some deployments add a structured code next to the free-text error.
	ErrorCode string `json:"error_code"`
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	c.EnsureDefaults()
	input := map[string]interface{}{}
	for k, v := range req.Settings {
		input[k] = v
	}
	input["prompt"] = req.Prompt
	if req.ReferenceImageURL != "" {
		input["image"] = req.ReferenceImageURL
	}
	payload := map[string]interface{}{"input": input}
	if c.ModelVersion != "" {
		payload["version"] = c.ModelVersion
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var p predictionWire
	if err := c.do(ctx, http.MethodPost, "/v1/predictions", b, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.ID) == "" {
		return "", ErrMissingJobID
	}
	c.Logger.Printf("[Provider][Submit] ok jobId=%s status=%s", p.ID, p.Status)
	return p.ID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, jobID string) (Prediction, error) {
	c.EnsureDefaults()
	var p predictionWire
	if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(jobID), nil, &p); err != nil {
		return Prediction{}, err
	}
	out := Prediction{
		ID:        p.ID,
		Status:    Status(strings.ToLower(strings.TrimSpace(p.Status))),
		OutputURL: firstOutputURL(p.Output),
		Error:     errorText(p.Error),
		ErrorCode: p.ErrorCode,
	}
	if out.ID == "" {
		out.ID = jobID
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, into interface{}) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.Token))
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		code, detail := extractAPIError(raw)
		return &APIError{StatusCode: res.StatusCode, Code: code, Detail: detail}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// extractAPIError reads {"detail": "...", "code": "..."} or {"error": "..."} bodies.
func extractAPIError(raw []byte) (string, string) {
	var obj map[string]interface{}
	if json.Unmarshal(raw, &obj) != nil {
		return "", truncate(strings.TrimSpace(string(raw)), 400)
	}
	code, _ := obj["code"].(string)
	for _, k := range []string{"detail", "error", "message", "title"} {
		if s, ok := obj[k].(string); ok && s != "" {
			return code, truncate(s, 400)
		}
	}
	return code, truncate(string(raw), 400)
}

func firstOutputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var arr []string
	if json.Unmarshal(raw, &arr) == nil {
		for _, v := range arr {
			if v != "" {
				return v
			}
		}
	}
	return ""
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]interface{}
	if json.Unmarshal(raw, &obj) == nil {
		if m, ok := obj["message"].(string); ok {
			return m
		}
	}
	return string(raw)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// IsAPIError unwraps err into an *APIError.
func IsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

var _ Client = (*HTTPClient)(nil)
