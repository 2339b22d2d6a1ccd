package mcpio

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opskb-backend/internal/adapters"
	"opskb-backend/internal/engine"
	"opskb-backend/internal/tools"
	"opskb-backend/pkg/api"
	"opskb-backend/pkg/config"
)

func newStdioServer(t *testing.T) *Server {
	t.Helper()
	registry := adapters.NewRegistry(10, 100*time.Millisecond, zap.NewNop())
	perf := config.PerformanceConfig{AdapterTimeout: time.Second, OverallTimeout: 2 * time.Second}
	eng := engine.New(registry, nil, perf, zap.NewNop())
	dispatcher := tools.NewDispatcher(eng, registry, nil, nil, nil, nil, zap.NewNop())
	return NewServer(dispatcher, zap.NewNop())
}

func runSession(t *testing.T, input string) []api.Response {
	t.Helper()
	var out bytes.Buffer
	server := newStdioServer(t)
	require.NoError(t, server.Run(context.Background(), strings.NewReader(input), &out))

	var responses []api.Response
	decoder := json.NewDecoder(&out)
	for decoder.More() {
		var resp api.Response
		require.NoError(t, decoder.Decode(&resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestStdioListSources(t *testing.T) {
	responses := runSession(t, `{"tool":"list_sources","correlation_id":"c-1"}`+"\n")

	require.Len(t, responses, 1)
	assert.True(t, responses[0].Success)
	assert.Equal(t, "c-1", responses[0].Metadata.CorrelationID)
}

func TestStdioEmptySourceSetSearchSucceeds(t *testing.T) {
	responses := runSession(t,
		`{"tool":"search_runbooks","arguments":{"alert_type":"high_cpu"}}`+"\n")

	require.Len(t, responses, 1)
	assert.True(t, responses[0].Success)
	assert.NotEmpty(t, responses[0].Metadata.CorrelationID)
}

func TestStdioMalformedLineContinuesSession(t *testing.T) {
	input := "{not json\n" + `{"tool":"list_sources"}` + "\n"
	responses := runSession(t, input)

	require.Len(t, responses, 2)
	assert.False(t, responses[0].Success)
	assert.Equal(t, "VALIDATION_ERROR", responses[0].Error.Code)
	assert.True(t, responses[1].Success)
}

func TestStdioBlankLinesSkipped(t *testing.T) {
	input := "\n\n" + `{"tool":"list_sources"}` + "\n\n"
	responses := runSession(t, input)
	require.Len(t, responses, 1)
}

func TestStdioUnknownToolReported(t *testing.T) {
	responses := runSession(t, `{"tool":"rm_rf_prod"}`+"\n")

	require.Len(t, responses, 1)
	require.False(t, responses[0].Success)
	assert.Equal(t, "VALIDATION_ERROR", responses[0].Error.Code)
}
