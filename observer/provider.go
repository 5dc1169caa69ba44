package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/reverie-ai/reverie"
)

// ObservedProvider wraps a reverie.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner reverie.Provider
	inst  *Instruments
	model string
}

var _ reverie.Provider = (*ObservedProvider)(nil)

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs for every chat call.
func WrapProvider(inner reverie.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req reverie.ChatRequest) (reverie.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
	)

	base := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	)
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		attribute.String("direction", "output"),
	))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, base)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", resp.Usage.InputTokens),
		otellog.Int("llm.tokens.output", resp.Usage.OutputTokens),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return resp, err
}
