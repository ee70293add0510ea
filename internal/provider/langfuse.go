package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loghub/trace-relay/internal/domain"
)

const ingestionPath = "/api/public/ingestion"

// ingestionEvent is one entry of the batch posted to the ingestion API.
type ingestionEvent struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Body      any    `json:"body"`
}

type ingestionRequest struct {
	Batch []ingestionEvent `json:"batch"`
}

type traceBody struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp,omitempty"`
	Name      string         `json:"name"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type generationBody struct {
	ID            string         `json:"id"`
	TraceID       string         `json:"traceId"`
	Name          string         `json:"name"`
	StartTime     string         `json:"startTime,omitempty"`
	Input         string         `json:"input,omitempty"`
	Output        string         `json:"output,omitempty"`
	Model         string         `json:"model,omitempty"`
	Level         domain.Level   `json:"level"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UsageDetails  map[string]int `json:"usageDetails,omitempty"`
}

// IngestionResponse maps the ingestion API's 207 Multi-Status body.
type IngestionResponse struct {
	Successes []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
	} `json:"successes"`
	Errors []struct {
		ID      string `json:"id"`
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"errors"`
}

// LangfuseProvider posts each trace and its generation to the public
// ingestion API in one synchronous request. The base URL and keys are
// injected from config so tests can point to a local mock.
type LangfuseProvider struct {
	baseURL    string
	publicKey  string
	secretKey  string
	httpClient *http.Client
	now        func() time.Time
	newID      func() string
}

func NewLangfuseProvider(baseURL, publicKey, secretKey string, timeout time.Duration) *LangfuseProvider {
	return &LangfuseProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		publicKey: publicKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Send posts a trace-create and a generation-create event. Any non-2xx
// status, or any per-event error in a 207 response, fails the attempt.
func (p *LangfuseProvider) Send(ctx context.Context, payload domain.TransformedPayload) error {
	body, err := json.Marshal(p.buildRequest(payload))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+ingestionPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.publicKey, p.secretKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", domain.ErrSendFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var ingResp IngestionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingResp); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(ingResp.Errors) > 0 {
		first := ingResp.Errors[0]
		return fmt.Errorf("%w: %d event(s) rejected: %d %s",
			domain.ErrSendFailed, len(ingResp.Errors), first.Status, first.Message)
	}
	return nil
}

// Flush is a no-op: every Send completes its request before returning.
func (p *LangfuseProvider) Flush(context.Context) error {
	return nil
}

func (p *LangfuseProvider) buildRequest(payload domain.TransformedPayload) ingestionRequest {
	now := p.now().UTC().Format(time.RFC3339Nano)
	traceID := p.newID()

	trace := traceBody{
		ID:        traceID,
		Timestamp: now,
		Name:      payload.TraceName,
		Input:     payload.TraceInput,
		Output:    payload.TraceOutput,
		UserID:    payload.UserID,
		SessionID: payload.SessionID,
		Tags:      payload.Tags,
		Metadata:  payload.Metadata,
	}

	gen := generationBody{
		ID:            p.newID(),
		TraceID:       traceID,
		Name:          payload.GenerationName,
		StartTime:     isoTime(payload.StartTime),
		Input:         payload.GenerationInput,
		Output:        payload.GenerationOutput,
		Model:         payload.Model,
		Level:         payload.Level,
		StatusMessage: payload.StatusMessage,
		Metadata:      payload.Metadata,
		UsageDetails:  usageMap(payload.Usage),
	}

	return ingestionRequest{Batch: []ingestionEvent{
		{ID: p.newID(), Timestamp: now, Type: "trace-create", Body: trace},
		{ID: p.newID(), Timestamp: now, Type: "generation-create", Body: gen},
	}}
}

// isoTime passes through timestamps the API accepts and drops the rest.
func isoTime(s string) string {
	if s == "" {
		return ""
	}
	if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
		return ""
	}
	return s
}

func usageMap(u *domain.Usage) map[string]int {
	if u == nil {
		return nil
	}
	m := make(map[string]int, 3)
	if u.Input != nil {
		m["input"] = *u.Input
	}
	if u.Output != nil {
		m["output"] = *u.Output
	}
	if u.Total != nil {
		m["total"] = *u.Total
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// compile-time check that LangfuseProvider implements Provider
var _ Provider = (*LangfuseProvider)(nil)
