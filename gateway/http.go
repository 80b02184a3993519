package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"voucher-service/monitoring"
)

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Service    string
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Service, e.Operation, e.StatusCode, e.Body)
}

// expiresIn accepts expires_in as either a JSON number or a numeric string.
type expiresIn json.Number

func (e expiresIn) duration(fallback time.Duration) time.Duration {
	n, err := strconv.ParseInt(string(e), 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func (e *expiresIn) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*e = expiresIn(n)
	return nil
}

type call struct {
	service   string
	operation string
	method    string
	url       string
	headers   map[string]string
	body      any
}

// do performs one provider call, records its duration and decodes a JSON
// response into out when out is non-nil.
func do(ctx context.Context, client *http.Client, c call, out any) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("external.service", c.service),
		attribute.String("external.operation", c.operation),
	)

	var body io.Reader
	if c.body != nil {
		payload, err := json.Marshal(c.body)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return err
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		monitoring.RecordExternalCall(ctx, c.service, c.operation, "error", start)
		span.SetAttributes(attribute.String("external.status", "error"))
		return fmt.Errorf("failed to call %s: %w", c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		monitoring.RecordExternalCall(ctx, c.service, c.operation, "failed", start)
		span.SetAttributes(
			attribute.Int("external.status_code", resp.StatusCode),
			attribute.String("external.status", "failed"),
		)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Service:    c.service,
			Operation:  c.operation,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	monitoring.RecordExternalCall(ctx, c.service, c.operation, "success", start)
	span.SetAttributes(attribute.String("external.status", "success"))

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s %s response: %w", c.service, c.operation, err)
	}
	return nil
}
