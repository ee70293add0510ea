package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/loghub/trace-relay/internal/domain"
)

const (
	otlpPath   = "/api/public/otel/v1/traces"
	tracerName = "github.com/loghub/trace-relay"
)

// OTLPProvider emits each payload as a root span with one generation child
// span. Spans are batched by the SDK, so Send only fails on local errors and
// Flush is where export failures surface.
type OTLPProvider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// DialOTLP builds an OTLP/HTTP exporter for the Langfuse OTel endpoint.
func DialOTLP(ctx context.Context, baseURL, publicKey, secretKey string, timeout time.Duration) (sdktrace.SpanExporter, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(publicKey + ":" + secretKey))
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(strings.TrimRight(baseURL, "/")+otlpPath),
		otlptracehttp.WithHeaders(map[string]string{"Authorization": "Basic " + auth}),
		otlptracehttp.WithTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return exp, nil
}

func NewOTLPProvider(exporter sdktrace.SpanExporter, serviceName string) *OTLPProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	return &OTLPProvider{tp: tp, tracer: tp.Tracer(tracerName)}
}

func (p *OTLPProvider) Send(ctx context.Context, payload domain.TransformedPayload) error {
	traceAttrs, err := traceAttributes(payload)
	if err != nil {
		return err
	}
	genAttrs, err := generationAttributes(payload)
	if err != nil {
		return err
	}

	var opts []trace.SpanStartOption
	if ts, err := time.Parse(time.RFC3339Nano, payload.StartTime); err == nil {
		opts = append(opts, trace.WithTimestamp(ts))
	}

	ctx, root := p.tracer.Start(ctx, payload.TraceName, append(opts, trace.WithAttributes(traceAttrs...))...)
	_, gen := p.tracer.Start(ctx, payload.GenerationName, append(opts, trace.WithAttributes(genAttrs...))...)
	if payload.Level == domain.LevelError {
		gen.SetStatus(codes.Error, payload.StatusMessage)
		root.SetStatus(codes.Error, payload.StatusMessage)
	}
	gen.End()
	root.End()
	return nil
}

// Flush exports every span buffered so far.
func (p *OTLPProvider) Flush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return fmt.Errorf("flush spans: %w", err)
	}
	return nil
}

// Shutdown flushes and releases the exporter.
func (p *OTLPProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func traceAttributes(payload domain.TransformedPayload) ([]attribute.KeyValue, error) {
	attrs := []attribute.KeyValue{
		attribute.String("langfuse.trace.name", payload.TraceName),
		attribute.String("langfuse.trace.input", payload.TraceInput),
		attribute.String("langfuse.trace.output", payload.TraceOutput),
	}
	if payload.UserID != "" {
		attrs = append(attrs, attribute.String("user.id", payload.UserID))
	}
	if payload.SessionID != "" {
		attrs = append(attrs, attribute.String("session.id", payload.SessionID))
	}
	if len(payload.Tags) > 0 {
		attrs = append(attrs, attribute.StringSlice("langfuse.trace.tags", payload.Tags))
	}
	if len(payload.Metadata) > 0 {
		meta, err := json.Marshal(payload.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		attrs = append(attrs, attribute.String("langfuse.trace.metadata", string(meta)))
	}
	return attrs, nil
}

func generationAttributes(payload domain.TransformedPayload) ([]attribute.KeyValue, error) {
	attrs := []attribute.KeyValue{
		attribute.String("langfuse.observation.type", "generation"),
		attribute.String("langfuse.observation.input", payload.GenerationInput),
		attribute.String("langfuse.observation.output", payload.GenerationOutput),
		attribute.String("langfuse.observation.level", string(payload.Level)),
		attribute.String("langfuse.observation.status_message", payload.StatusMessage),
	}
	if payload.Model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", payload.Model))
	}
	if usage := usageMap(payload.Usage); usage != nil {
		raw, err := json.Marshal(usage)
		if err != nil {
			return nil, fmt.Errorf("marshal usage: %w", err)
		}
		attrs = append(attrs, attribute.String("langfuse.observation.usage_details", string(raw)))
		if v, ok := usage["input"]; ok {
			attrs = append(attrs, attribute.Int("gen_ai.usage.input_tokens", v))
		}
		if v, ok := usage["output"]; ok {
			attrs = append(attrs, attribute.Int("gen_ai.usage.output_tokens", v))
		}
	}
	return attrs, nil
}

var _ Provider = (*OTLPProvider)(nil)
