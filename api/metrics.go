package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	labelRoute       = "/api/runs/:id/questions/:qid/label"
	labelSpanName    = "api.label.commit"
	labelEventName   = "label.commit"
	labelEventDomain = "bloomers"
	tracerName       = "bloomers/api"
)

// labelRequestMetrics collects per-request timings for the label-commit
// route and emits them both as an OTel span and as a structured
// observability.event log line correlated by trace id.
type labelRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration   time.Duration
	boardDuration  time.Duration
	commitDuration time.Duration
	encodeDuration time.Duration
	category       string
	keyProvided    bool
	retryable      bool
	errorStage     string
}

func newLabelRequestMetrics(ctx context.Context, logger *log.Logger) (*labelRequestMetrics, context.Context) {
	m := &labelRequestMetrics{logger: logger, start: time.Now()}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, labelSpanName, trace.WithSpanKind(trace.SpanKindServer))
	m.span = span
	return m, spanCtx
}

func (m *labelRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *labelRequestMetrics) ObserveBoardLoad(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.boardDuration = duration
}

func (m *labelRequestMetrics) ObserveCommit(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.commitDuration = duration
}

func (m *labelRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *labelRequestMetrics) SetCategory(category string) {
	m.category = category
}

func (m *labelRequestMetrics) SetIdempotencyKeyProvided(provided bool) {
	m.keyProvided = provided
}

func (m *labelRequestMetrics) SetRetryable(retryable bool) {
	m.retryable = retryable
}

func (m *labelRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *labelRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	total := time.Since(m.start)
	sevText, sevNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", labelRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("bloomers.label.total_ms", durationToMillis(total)),
		attribute.Bool("bloomers.label.idempotency_key_provided", m.keyProvided),
		attribute.Bool("bloomers.label.retryable", m.retryable),
	}
	if m.category != "" {
		attrs = append(attrs, attribute.String("bloomers.label.category", m.category))
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("bloomers.label.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.boardDuration > 0 {
		attrs = append(attrs, attribute.Float64("bloomers.label.board_ms", durationToMillis(m.boardDuration)))
	}
	if m.commitDuration > 0 {
		attrs = append(attrs, attribute.Float64("bloomers.label.commit_ms", durationToMillis(m.commitDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("bloomers.label.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("bloomers.label.error_stage", m.errorStage))
	}

	eventAttrs := make([]attribute.KeyValue, 0, len(attrs)+5)
	eventAttrs = append(eventAttrs,
		attribute.String("event.name", labelEventName),
		attribute.String("event.domain", labelEventDomain),
		attribute.String("severity_text", sevText),
		attribute.Int("severity_number", sevNumber),
	)
	eventAttrs = append(eventAttrs, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if err != nil || status >= 500 {
			desc := "request failed"
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}

	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      labelEventName,
		"event.domain":    labelEventDomain,
		"attributes":      attrMap,
		"severity_text":   sevText,
		"severity_number": sevNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
