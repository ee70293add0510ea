// Package transform maps raw gateway log records into the trace-ingestion
// schema. Transform is total: malformed input degrades to omitted fields.
package transform

import (
	"fmt"
	"strings"

	"github.com/loghub/trace-relay/internal/domain"
)

// Source field names.
const (
	FieldTraceID = "trace_id"
	FieldAILog   = "ai_log"
)

// Status buckets derived from the response code.
const (
	StatusSuccess     = "success"
	StatusClientError = "client_error"
	StatusServerError = "server_error"
	StatusOther       = "other"
	StatusUnknown     = "unknown"
)

const (
	defaultTraceName      = "AI Request"
	defaultGenerationName = "AI Generation"
)

// Transform converts a raw record. It never fails and never mutates r.
func Transform(r domain.RawRecord) domain.TransformedPayload {
	ai := parseDocument(r, FieldAILog)

	input := r.String("question")
	output := r.String("answer")
	if output == "-" {
		output = ""
	}

	code, hasCode := positiveInt(r["response_code"])
	bucket := StatusBucket(code, hasCode)

	api := ai.String("api")
	traceName := api
	if traceName == "" {
		traceName = defaultTraceName
	}

	p := domain.TransformedPayload{
		TraceName:        traceName,
		TraceInput:       input,
		TraceOutput:      output,
		GenerationName:   generationName(ai),
		GenerationInput:  input,
		GenerationOutput: output,
		Level:            LevelFor(bucket),
		StatusMessage:    statusMessage(r, ai, code, hasCode),
		Tags:             buildTags(r, ai, bucket),
		SessionID:        ai.String("chat_id"),
		Model:            ai.String("model"),
		Usage:            buildUsage(ai),
		StartTime:        r.String("start_time"),
	}

	if user := ai.String("consumer"); user != "" {
		p.UserID = user
	} else {
		p.UserID = r.String("consumer")
	}

	if md := buildMetadata(r, ai); len(md) > 0 {
		p.Metadata = md
	}
	return p
}

// StatusBucket classifies a response code. Redirects count as success.
func StatusBucket(code int, ok bool) string {
	switch {
	case !ok:
		return StatusUnknown
	case code >= 200 && code < 400:
		return StatusSuccess
	case code >= 400 && code < 500:
		return StatusClientError
	case code >= 500:
		return StatusServerError
	default:
		return StatusOther
	}
}

// LevelFor maps a status bucket onto a fixed severity.
func LevelFor(bucket string) domain.Level {
	switch bucket {
	case StatusSuccess, StatusUnknown:
		return domain.LevelDefault
	case StatusClientError:
		return domain.LevelWarning
	case StatusServerError:
		return domain.LevelError
	default:
		return domain.LevelDebug
	}
}

func generationName(ai document) string {
	api := ai.String("api")
	if api == "" {
		api = defaultGenerationName
	}
	if round := ai.String("chat_round"); round != "" {
		return fmt.Sprintf("%s - Round %s", api, round)
	}
	if model := ai.String("model"); model != "" {
		return fmt.Sprintf("%s (%s)", api, model)
	}
	return api
}

func buildTags(r domain.RawRecord, ai document, bucket string) []string {
	tags := make([]string, 0, 5)
	if api := ai.String("api"); api != "" {
		if prefix, _, _ := strings.Cut(api, "@"); prefix != "" {
			tags = append(tags, prefix)
		}
	}
	if rt := ai.String("response_type"); rt != "" {
		tags = append(tags, rt)
	}
	if ns := r.String("_namespace_"); ns != "" {
		tags = append(tags, ns)
	}
	if model := ai.String("model"); model != "" {
		tags = append(tags, "model:"+model)
	}
	return append(tags, "status:"+bucket)
}

func statusMessage(r domain.RawRecord, ai document, code int, hasCode bool) string {
	parts := make([]string, 0, 3)
	if hasCode {
		parts = append(parts, fmt.Sprintf("HTTP %d", code))
	}
	if details := r.String("response_code_details"); details != "" {
		parts = append(parts, details)
	}
	if rt := ai.String("response_type"); rt != "" {
		parts = append(parts, "AI: "+rt)
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return strings.Join(parts, " | ")
}

func buildUsage(ai document) *domain.Usage {
	var u domain.Usage
	found := false
	if n, ok := positiveInt(ai["input_token"]); ok {
		u.Input, found = &n, true
	}
	if n, ok := positiveInt(ai["output_token"]); ok {
		u.Output, found = &n, true
	}
	if n, ok := positiveInt(ai["total_token"]); ok {
		u.Total, found = &n, true
	}
	if !found {
		return nil
	}
	return &u
}
