package meter_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/meter"
)

func TestLogMeter_WritesRouteAndResult(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewJSONHandler(&buf, nil)))

	m.OnRoute(tokengate.RouteEvent{RequestID: "r1", Provider: "p1", Model: "m", AttemptNum: 1})
	m.OnResult(tokengate.ResultEvent{RequestID: "r1", Provider: "p1", Success: true, Duration: time.Millisecond})
	m.OnResult(tokengate.ResultEvent{RequestID: "r1", Provider: "p1", Error: tokengate.ErrProviderUnavailable})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var last map[string]any
	require.NoError(t, json.Unmarshal(lines[2], &last))
	assert.Equal(t, "result_error", last["msg"])
	assert.Equal(t, "WARN", last["level"])
	assert.Equal(t, "provider_transport", last["error_class"])
}

func TestMulti_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	m := meter.Multi{
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&a, nil))),
		meter.NewLogMeter(slog.New(slog.NewTextHandler(&b, nil))),
		&meter.NoopMeter{},
	}
	m.OnRoute(tokengate.RouteEvent{Provider: "p"})
	assert.Contains(t, a.String(), "provider=p")
	assert.Contains(t, b.String(), "provider=p")
}
