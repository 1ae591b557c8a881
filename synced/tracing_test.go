package synced

import (
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/kvsync/state"
	"github.com/vinayprograms/kvsync/telemetry"
)

func TestValue_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := telemetry.NewTracerFromProvider(tp, "test", true)

	r := NewRegistry(WithTracer(tracer))
	defer r.Close()
	store := state.NewMemoryStore()
	defer store.Close()

	a := Bind(r, store, "K", defaultPrefs)
	a.Set(prefs{Bar: "traced"})
	store.Set("K", map[string]any{"foo": 0.0, "bar": "external"})
	a.Clear()

	names := map[string]int{}
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	if names[telemetry.SpanWrite] != 1 {
		t.Errorf("expected 1 write span, got %d", names[telemetry.SpanWrite])
	}
	if names[telemetry.SpanExternal] != 1 {
		t.Errorf("expected 1 external span, got %d", names[telemetry.SpanExternal])
	}
	if names[telemetry.SpanClear] != 1 {
		t.Errorf("expected 1 clear span, got %d", names[telemetry.SpanClear])
	}
}
