package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"
)

var logger = log.New(os.Stdout, "", 0)

// LogEvent writes one structured JSON log line to stdout, merging in
// the trace fields carried by ctx. Nothing forwards these lines to the
// event bus: no code publishes on eventbus.TopicLogEntry.
func LogEvent(ctx context.Context, level, event string, fields map[string]any) {
	payload := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"level": level,
		"event": event,
	}

	trace := TraceFromContext(ctx)
	if trace.RecorderID != "" {
		payload["recorder_id"] = trace.RecorderID
	}
	if trace.TraderID != "" {
		payload["trader_id"] = trace.TraderID
	}
	if trace.CorrelationID != "" {
		payload["correlation_id"] = trace.CorrelationID
	}
	if trace.SubaccountID != "" {
		payload["subaccount_id"] = trace.SubaccountID
	}

	for k, v := range normalizeFields(fields) {
		payload[k] = v
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("{\"level\":\"error\",\"event\":\"log_marshal_failed\",\"error\":%q}", err.Error())
		return
	}
	logger.Print(string(raw))
}

// LogFilterDecision logs one filter-pipeline verdict, accepted or
// rejected, as a stdout log line through LogEvent; the verdict is not
// published on the event bus.
func LogFilterDecision(ctx context.Context, recorderID, stage string, accepted bool, reason string) {
	LogEvent(ctx, "info", "filter_decision", map[string]any{
		"recorder_id": recorderID,
		"stage":       stage,
		"accepted":    accepted,
		"reason":      reason,
	})
}

// LogTradeExecuted logs the outcome of one ExecutionTask attempt.
func LogTradeExecuted(ctx context.Context, status string, err error) {
	fields := map[string]any{"status": status}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "trade_executed", fields)
}

func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}
