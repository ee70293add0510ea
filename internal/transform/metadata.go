package transform

import "github.com/loghub/trace-relay/internal/domain"

// Metadata sub-document names.
const (
	GroupPerformance    = "performance"
	GroupRequest        = "request"
	GroupInfrastructure = "infrastructure"
	GroupChatContext    = "chat_context"
	GroupNetwork        = "network"
	GroupOriginalTrace  = "original_trace"
)

// buildMetadata assembles the named sub-documents, leaving out any that end up empty.
func buildMetadata(r domain.RawRecord, ai document) map[string]any {
	md := make(map[string]any)

	if ns := r.String("_namespace_"); ns != "" {
		md["environment"] = ns
	}

	perf := group{}
	perf.num("total_duration_ms", r["duration"])
	perf.num("llm_service_duration_ms", ai["llm_service_duration"])
	perf.num("upstream_service_time_ms", r["upstream_service_time"])
	perf.num("response_tx_duration_ms", r["response_tx_duration"])
	attach(md, GroupPerformance, perf)

	req := group{}
	req.str("method", r.String("method"))
	req.str("path", r.String("path"))
	req.str("original_path", r.String("original_path"))
	req.num("response_code", r["response_code"])
	req.str("response_code_details", r.String("response_code_details"))
	req.str("user_agent", r.String("user_agent"))
	req.str("protocol", r.String("protocol"))
	req.str("authority", r.String("authority"))
	attach(md, GroupRequest, req)

	infra := group{}
	infra.str("container_ip", r.String("_container_ip_"))
	infra.str("namespace", r.String("_namespace_"))
	infra.str("cluster_id", r.String("cluster_id"))
	infra.str("route_name", r.String("route_name"))
	infra.str("upstream_host", r.String("upstream_host"))
	attach(md, GroupInfrastructure, infra)

	chat := group{}
	chat.str("api_full_name", ai.String("api"))
	chat.str("chat_round", ai.String("chat_round"))
	chat.str("response_type", ai.String("response_type"))
	chat.str("fallback_from", ai.String("fallback_from"))
	attach(md, GroupChatContext, chat)

	net := group{}
	net.num("bytes_sent", r["bytes_sent"])
	net.num("bytes_received", r["bytes_received"])
	net.str("downstream_remote_address", r.String("downstream_remote_address"))
	net.str("upstream_local_address", r.String("upstream_local_address"))
	attach(md, GroupNetwork, net)

	orig := group{}
	orig.str("sls_trace_id", r.String(FieldTraceID))
	orig.str("request_id", r.String("request_id"))
	orig.str("log_time", r.String("_time_"))
	orig.str("start_time", r.String("start_time"))
	attach(md, GroupOriginalTrace, orig)

	return md
}

func attach(md map[string]any, name string, g group) {
	if len(g) > 0 {
		md[name] = map[string]any(g)
	}
}
