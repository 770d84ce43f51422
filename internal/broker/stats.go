package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ChannelStats is the backlog of one topic/channel pair
type ChannelStats struct {
	Topic    string
	Channel  string
	Depth    int64
	InFlight int64
	Deferred int64
}

// StatsClient reads queue depth from nsqd's HTTP /stats endpoint
type StatsClient struct {
	baseURL string
	client  *http.Client
}

// NewStatsClient takes nsqd's HTTP address (host:port or a full URL)
func NewStatsClient(nsqdHTTPAddr string, client *http.Client) *StatsClient {
	base := nsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &StatsClient{baseURL: strings.TrimRight(base, "/"), client: client}
}

type nsqdStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			InFlight int64  `json:"in_flight_count"`
			Deferred int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
	// nsqd before 1.0 wrapped the payload
	Data *struct {
		Topics json.RawMessage `json:"topics"`
	} `json:"data"`
}

// Depth returns per-channel stats for the given topics (all topics when
// none are named). Topics without channels report their own depth with an
// empty channel name.
func (s *StatsClient) Depth(ctx context.Context, topics ...string) ([]ChannelStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/stats?format=json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsqd stats: status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode nsqd stats: %w", err)
	}
	if len(stats.Topics) == 0 && stats.Data != nil && len(stats.Data.Topics) > 0 {
		if err := json.Unmarshal(stats.Data.Topics, &stats.Topics); err != nil {
			return nil, fmt.Errorf("decode nsqd stats: %w", err)
		}
	}

	want := make(map[string]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}
	var out []ChannelStats
	for _, t := range stats.Topics {
		if len(want) > 0 && !want[t.Name] {
			continue
		}
		if len(t.Channels) == 0 {
			out = append(out, ChannelStats{Topic: t.Name, Depth: t.Depth})
			continue
		}
		for _, c := range t.Channels {
			out = append(out, ChannelStats{
				Topic:    t.Name,
				Channel:  c.Name,
				Depth:    c.Depth,
				InFlight: c.InFlight,
				Deferred: c.Deferred,
			})
		}
	}
	return out, nil
}

// Poll samples depth immediately and then every interval until ctx is done.
// fn receives each sample or the error that replaced it.
func (s *StatsClient) Poll(ctx context.Context, interval time.Duration, topics []string, fn func([]ChannelStats, error)) {
	sample := func() {
		sctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		fn(s.Depth(sctx, topics...))
	}
	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
