package observability

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ControlCollector holds the metrics of the LinkControl gRPC surface.
type ControlCollector struct {
	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
	InFlight     prometheus.Gauge

	now func() time.Time
}

// NewControlCollector registers the control RPC metrics with reg, or with
// the default registry when reg is nil.
func NewControlCollector(reg prometheus.Registerer) (*ControlCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlink_control_requests_total",
		Help: "Control RPCs handled, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}))
	if err != nil {
		return nil, err
	}
	// Control calls only touch in-memory state; latencies sit well under a
	// millisecond unless the loop is busy.
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "satlink_control_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: prometheus.ExponentialBuckets(50e-6, 4, 8),
	}, []string{"service", "method"}))
	if err != nil {
		return nil, err
	}
	inFlight, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satlink_control_requests_in_flight",
		Help: "Control RPCs currently being served.",
	}))
	if err != nil {
		return nil, err
	}
	return &ControlCollector{
		RPCRequests:  requests,
		RPCDurations: durations,
		InFlight:     inFlight,
		now:          time.Now,
	}, nil
}

// UnaryServerInterceptor counts and times every unary call. A nil collector
// yields a pass-through interceptor.
func (c *ControlCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if c == nil {
			return handler(ctx, req)
		}
		var fullMethod string
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.InFlight.Inc()
		start := c.now()
		resp, err := handler(ctx, req)
		c.InFlight.Dec()
		c.observe(fullMethod, status.Code(err).String(), c.now().Sub(start))
		return resp, err
	}
}

func (c *ControlCollector) observe(fullMethod, code string, elapsed time.Duration) {
	service, method := SplitMethod(fullMethod)
	c.RPCRequests.WithLabelValues(service, method, code).Inc()
	c.RPCDurations.WithLabelValues(service, method).Observe(elapsed.Seconds())
}

// SplitMethod turns "/satlink.v1.LinkControl/ReportCno" into
// ("LinkControl", "ReportCno"). Missing parts become "unknown".
func SplitMethod(fullMethod string) (service, method string) {
	service, method = "unknown", "unknown"
	path := strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return service, method
	}
	svc, m := path[:i], path[i+1:]
	if dot := strings.LastIndex(svc, "."); dot >= 0 {
		svc = svc[dot+1:]
	}
	if j := strings.LastIndex(svc, "/"); j >= 0 {
		svc = svc[j+1:]
	}
	if svc != "" {
		service = svc
	}
	if m != "" {
		method = m
	}
	return service, method
}
