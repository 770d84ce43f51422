package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statsBody = `{
  "version": "1.3.0",
  "topics": [
    {"topic_name": "tasks", "depth": 0, "channels": [
      {"channel_name": "workers", "depth": 12, "in_flight_count": 3, "deferred_count": 4}
    ]},
    {"topic_name": "tasks_dlq", "depth": 2, "channels": []},
    {"topic_name": "other", "depth": 9, "channels": []}
  ]
}`

func TestStatsClientDepth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(statsBody))
	}))
	defer srv.Close()

	c := NewStatsClient(strings.TrimPrefix(srv.URL, "http://"), nil)
	got, err := c.Depth(context.Background(), DefaultTopic, DefaultDLQTopic)
	require.NoError(t, err)
	assert.Equal(t, []ChannelStats{
		{Topic: "tasks", Channel: "workers", Depth: 12, InFlight: 3, Deferred: 4},
		{Topic: "tasks_dlq", Depth: 2},
	}, got)

	all, err := c.Depth(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStatsClientLegacyEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status_code":200,"data":{"topics":[{"topic_name":"tasks","channels":[{"channel_name":"workers","depth":5}]}]}}`))
	}))
	defer srv.Close()

	got, err := NewStatsClient(srv.URL, nil).Depth(context.Background(), "tasks")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 5, got[0].Depth)
}

func TestStatsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewStatsClient(srv.URL, nil).Depth(context.Background())
	assert.Error(t, err)

	srv.Close()
	_, err = NewStatsClient(srv.URL, nil).Depth(context.Background())
	assert.Error(t, err)
}

func TestStatsClientPoll(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(statsBody))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	samples := make(chan []ChannelStats, 8)
	done := make(chan struct{})
	go func() {
		NewStatsClient(srv.URL, nil).Poll(ctx, 5*time.Millisecond, []string{DefaultTopic}, func(s []ChannelStats, err error) {
			if err == nil {
				select {
				case samples <- s:
				default:
				}
			}
		})
		close(done)
	}()

	first := <-samples
	require.Len(t, first, 1)
	assert.EqualValues(t, 12, first[0].Depth)
	<-samples
	cancel()
	<-done
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}
