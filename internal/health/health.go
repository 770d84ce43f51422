package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harborbot/internal/logging"
)

// DefaultTimeout bounds each dependency check
const DefaultTimeout = time.Second

// Check is one named dependency check
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Pinger is anything with a context-aware Ping, e.g. *pgxpool.Pool or a
// dedup window
type Pinger interface {
	Ping(ctx context.Context) error
}

// From wraps a Pinger as a named check
func From(name string, p Pinger) Check {
	return Check{Name: name, Ping: p.Ping}
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Evaluate runs every check with its own timeout
func Evaluate(ctx context.Context, checks []Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]bool, len(checks))
	var failed []string
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		err := c.Ping(cctx)
		cancel()
		st.Checks[c.Name] = err == nil
		if err != nil {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		st.OK = false
		st.Message = "unhealthy: " + strings.Join(failed, ", ")
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Monitor keeps a grpc.health.v1 server in step with the checks: SERVING
// only while every check passes.
type Monitor struct {
	server  *grpchealth.Server
	service string
	checks  []Check
	log     *logging.Logger

	mu   sync.Mutex
	last Status
}

// NewMonitor starts NOT_SERVING until the first Update
func NewMonitor(server *grpchealth.Server, service string, log *logging.Logger, checks ...Check) *Monitor {
	if log == nil {
		log = logging.New(service)
	}
	m := &Monitor{server: server, service: service, checks: checks, log: log}
	m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

func (m *Monitor) set(s healthpb.HealthCheckResponse_ServingStatus) {
	m.server.SetServingStatus("", s)
	if m.service != "" {
		m.server.SetServingStatus(m.service, s)
	}
}

// Update evaluates the checks once and publishes the result
func (m *Monitor) Update(ctx context.Context) Status {
	st := Evaluate(ctx, m.checks)

	m.mu.Lock()
	changed := st.OK != m.last.OK || st.Message != m.last.Message
	m.last = st
	m.mu.Unlock()

	if st.OK {
		m.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		m.log.Plain().WithFields(map[string]any{"ok": st.OK, "checks": st.Checks}).Info(st.Message)
	}
	return st
}

// Run updates on every tick until ctx is done, then reports NOT_SERVING
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Update(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
			m.Update(ctx)
		}
	}
}

// NewGRPCServer returns a traced gRPC server with the health service registered
func NewGRPCServer(hs *grpchealth.Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, hs)
	return s
}
