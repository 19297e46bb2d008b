package tracing

import (
	"context"
	"testing"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer should not produce valid spans")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestEnabledProviderSamples(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: true, Endpoint: "127.0.0.1:1", Insecure: true, SampleRatio: 1})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "sampled")
	if !span.SpanContext().IsSampled() {
		t.Fatal("expected span to be sampled")
	}
	span.End()
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_ = p.Shutdown(ctx)
}
