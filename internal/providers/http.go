// Package providers implements the Google Ads, Analytics Data and Search
// Console REST clients used by data-source nodes.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markarapor/reportflow/pkg/schema"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 2048
)

// Options are shared by every client. BaseURL is only overridden in tests.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (o Options) base(fallback string) string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return fallback
}

// postJSON sends body to url with a bearer token and decodes the JSON reply
// into out. Non-2xx replies become PROVIDER_ERROR with the status attached.
func postJSON(ctx context.Context, hc *http.Client, url, token string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewError(schema.ErrCodeProvider, "decode provider response").WithCause(err)
	}
	return nil
}

// googleError is the error envelope of Google APIs.
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func statusError(status int, body []byte) *schema.Error {
	msg := strings.TrimSpace(string(body))
	var ge googleError
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		msg = ge.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return schema.NewErrorf(schema.ErrCodeProvider, "HTTP %d: %s", status, msg).
		WithDetails(map[string]any{"status": status, "retryable": status == http.StatusTooManyRequests || status >= 500})
}

// number decodes JSON numbers and the quoted int64/double values that
// protobuf JSON emits.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", b, err)
	}
	*n = number(f)
	return nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// checkDateRange rejects bounds that are not YYYY-MM-DD or out of order.
func checkDateRange(dr schema.DateRange) error {
	start, err := time.Parse(time.DateOnly, dr.StartDate)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "invalid start date %q", dr.StartDate)
	}
	end, err := time.Parse(time.DateOnly, dr.EndDate)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "invalid end date %q", dr.EndDate)
	}
	if end.Before(start) {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "date range %s..%s ends before it starts", dr.StartDate, dr.EndDate)
	}
	return nil
}
