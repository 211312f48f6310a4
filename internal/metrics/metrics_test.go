package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/john/chatmux/internal/adapter"
)

func TestStatusCountsReconnects(t *testing.T) {
	req := require.New(t)
	m := New()

	m.Status("twitch", "chan", adapter.Disconnected, adapter.Connecting)
	m.Status("twitch", "chan", adapter.Connecting, adapter.Connected)
	m.Status("twitch", "chan", adapter.Connected, adapter.Connecting)
	m.Status("twitch", "chan", adapter.Connecting, adapter.Connected)

	req.Equal(float64(2), testutil.ToFloat64(m.status.WithLabelValues("twitch", "chan")))
	req.Equal(float64(1), testutil.ToFloat64(m.reconnects.WithLabelValues("twitch")))

	m.Forget("twitch", "chan")
	req.Zero(testutil.CollectAndCount(m.status))
}

func TestSendFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{adapter.ErrUnauthenticated, "unauthenticated"},
		{fmt.Errorf("%w: 600 > 500 characters", adapter.ErrMessageTooLong), "too_long"},
		{adapter.ErrNotReady, "not_ready"},
		{adapter.ErrUnsupported, "unsupported"},
		{adapter.ErrEmptyMessage, "empty"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, SendFailureReason(tt.err))
		})
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	req := require.New(t)
	m := New()
	m.Message("kick")
	m.Message("kick")
	m.SendFailed("kick", adapter.ErrNotReady)
	m.EmoteFetch("7tv", nil)
	m.EmoteFetch("bttv", errors.New("status 500"))
	m.Upload(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	req.NoError(err)

	out := string(body)
	req.Contains(out, `chatmux_messages_total{platform="kick"} 2`)
	req.Contains(out, `chatmux_send_failures_total{platform="kick",reason="not_ready"} 1`)
	req.Contains(out, `chatmux_emote_fetches_total{provider="bttv",result="error"} 1`)
	req.Contains(out, `chatmux_transcript_uploads_total{result="ok"} 1`)
	req.Contains(out, "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Message("twitch")
	m.Status("twitch", "chan", adapter.Connected, adapter.Connecting)
	m.SendFailed("twitch", adapter.ErrNotReady)
	m.Upload(nil)
	require.Nil(t, m.Registry())
}
