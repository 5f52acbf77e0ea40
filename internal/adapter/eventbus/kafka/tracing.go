package kafka

import (
	"go.opentelemetry.io/otel"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
)

// tracingOpt wires franz-go's OTel plugin into a client, so producer and
// consumer spans attach to the same trace as the HTTP/DB spans around them.
func tracingOpt() kgo.Opt {
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kot := kotel.NewKotel(kotel.WithTracer(tracer))
	return kgo.WithHooks(kot.Hooks()...)
}
