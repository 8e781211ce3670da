package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		endpoint string
		wantErr  bool
	}{
		{name: "default is grpc", endpoint: "localhost:4317"},
		{name: "grpc", protocol: ProtocolGRPC, endpoint: "localhost:4317"},
		{name: "http", protocol: ProtocolHTTP, endpoint: "localhost:4318"},
		{name: "unsupported", protocol: "zipkin", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter, err := newExporter(context.Background(), OTLPConfig{
				Endpoint: tt.endpoint,
				Protocol: tt.protocol,
				Insecure: true,
				Timeout:  time.Second,
			})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, exporter.Shutdown(context.Background()))
		})
	}
}

func TestStartSpan_WithoutTracer(t *testing.T) {
	SetTracer(nil)
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSpanID(ctx))
}
