package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "kanban-api/api"
	eventDomain      = "kanban"
	observabilityMsg = "observability.event"
)

// requestOp names one instrumented route.
type requestOp struct {
	route    string
	span     string
	event    string
	attrBase string
}

var (
	opMove       = requestOp{route: routeMove, span: "kanban.move", event: "kanban.move.request", attrBase: "kanban.move."}
	opBoard      = requestOp{route: routeBoard, span: "kanban.board", event: "kanban.board.request", attrBase: "kanban.board."}
	opDeactivate = requestOp{route: routeStage, span: "kanban.stage.deactivate", event: "kanban.stage.deactivate.request", attrBase: "kanban.stage."}
)

// requestMetrics collects stage timings for one request and reports them as
// a span plus one structured log entry.
type requestMetrics struct {
	op     requestOp
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration   time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	errorStage     string
	attrs          []attribute.KeyValue
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, op requestOp) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, op.span,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", op.route)),
	)
	return &requestMetrics{
		op:     op,
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) SetString(name, value string) {
	m.attrs = append(m.attrs, attribute.String(m.op.attrBase+name, value))
}

func (m *requestMetrics) SetInt(name string, value int) {
	m.attrs = append(m.attrs, attribute.Int(m.op.attrBase+name, value))
}

func (m *requestMetrics) SetBool(name string, value bool) {
	m.attrs = append(m.attrs, attribute.Bool(m.op.attrBase+name, value))
}

// Log ends the span and writes the observability event.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	defer m.span.End()

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.op.route),
		attribute.Int("http.status_code", status),
		attribute.Float64(m.op.attrBase+"total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64(m.op.attrBase+"auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64(m.op.attrBase+"store_ms", durationToMillis(m.storeDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64(m.op.attrBase+"encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(m.op.attrBase+"error_stage", m.errorStage))
	}
	attrs = append(attrs, m.attrs...)
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	m.span.SetAttributes(attrs...)

	severityText, severityNumber := severityForStatus(status, err)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", m.op.event),
		attribute.String("event.domain", eventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))

	switch {
	case err != nil:
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}

	if m.logger == nil {
		return
	}
	logged := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		logged[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      m.op.event,
		"event.domain":    eventDomain,
		"attributes":      logged,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc := m.span.SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityNumber), observabilityMsg)
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(n int) log.Level {
	switch {
	case n >= 17:
		return log.ErrorLevel
	case n >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
