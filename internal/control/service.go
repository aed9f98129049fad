// Package control serves the LinkControl gRPC API of a running simulation:
// external C/N0 injection and read-only status of the schedulers. Handlers
// never touch scheduling state directly; writes are posted onto the event
// loop and reads come from thread-safe snapshots.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/kpi"
	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/model"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	// ErrInvalidArgument marks malformed requests.
	ErrInvalidArgument = errors.New("control: invalid argument")
	// ErrUnknownTerminal is returned for terminals the simulation does not
	// know.
	ErrUnknownTerminal = errors.New("control: unknown terminal")
)

// Poster runs work on the event loop goroutine.
type Poster interface {
	Post(fn sim.Func)
}

// CnoSink receives injected C/N0 samples on the loop goroutine.
type CnoSink func(terminal model.Address, cno float64)

// Status is the scheduler snapshot published by the loop goroutine.
type Status struct {
	SimTime          time.Time
	BufferedDuration time.Duration
	BufferedFrames   int
	TbtpHistory      int
	Terminals        int
}

// StatusBoard hands the latest Status from the loop to gRPC handlers.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
}

// Publish replaces the snapshot.
func (b *StatusBoard) Publish(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// Load returns the latest snapshot.
func (b *StatusBoard) Load() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Service implements LinkControlServer.
type Service struct {
	loop  Poster
	sink  CnoSink
	board *StatusBoard
	stats *kpi.Store
	known map[model.Address]bool
	log   logging.Logger
}

// NewService creates the LinkControl implementation. terminals lists the
// addresses ReportCno accepts.
func NewService(loop Poster, sink CnoSink, board *StatusBoard, stats *kpi.Store, terminals []model.Address, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	known := make(map[model.Address]bool, len(terminals))
	for _, a := range terminals {
		known[a] = true
	}
	return &Service{
		loop:  loop,
		sink:  sink,
		board: board,
		stats: stats,
		known: known,
		log:   log.With(logging.String("component", "control")),
	}
}

var _ LinkControlServer = (*Service)(nil)

// ReportCno validates the sample and posts it onto the loop.
func (s *Service) ReportCno(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	reqLog := s.requestLogger(ctx)

	addr, value, err := s.parseCno(req)
	if err != nil {
		reqLog.Warn(ctx, "rejected C/N0 report", logging.Err(err))
		return nil, ToStatusError(err)
	}
	sink := s.sink
	s.loop.Post(func() error {
		if sink != nil {
			sink(addr, value)
		}
		return nil
	})
	reqLog.Debug(ctx, "C/N0 report queued",
		logging.String("ut", addr.String()),
		logging.Float("cno", value),
	)
	return &emptypb.Empty{}, nil
}

func (s *Service) parseCno(req *structpb.Struct) (model.Address, float64, error) {
	if req == nil {
		return model.Address{}, 0, fmt.Errorf("%w: empty request", ErrInvalidArgument)
	}
	fields := req.GetFields()
	terminal, ok := fields["terminal"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return model.Address{}, 0, fmt.Errorf("%w: terminal must be a string", ErrInvalidArgument)
	}
	addr, err := model.ParseAddress(terminal.StringValue)
	if err != nil {
		return model.Address{}, 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !s.known[addr] {
		return model.Address{}, 0, fmt.Errorf("%w: %s", ErrUnknownTerminal, addr)
	}
	num, ok := fields["cno"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return model.Address{}, 0, fmt.Errorf("%w: cno must be a number", ErrInvalidArgument)
	}
	if math.IsNaN(num.NumberValue) || math.IsInf(num.NumberValue, 0) {
		return model.Address{}, 0, fmt.Errorf("%w: cno %v", ErrInvalidArgument, num.NumberValue)
	}
	return addr, num.NumberValue, nil
}

// SchedulerStatus returns the latest snapshot plus the frame counters.
func (s *Service) SchedulerStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.board.Load()
	out := map[string]interface{}{
		"sim_time":              st.SimTime.Format(time.RFC3339Nano),
		"container_duration_us": float64(st.BufferedDuration.Microseconds()),
		"container_frames":      st.BufferedFrames,
		"tbtp_history":          st.TbtpHistory,
		"terminals":             st.Terminals,
	}
	if s.stats != nil {
		f := s.stats.Frames()
		out["data_frames"] = float64(f.Data)
		out["dummy_frames"] = float64(f.Dummy)
		out["payload_bytes"] = float64(f.PayloadBytes)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.requestLogger(ctx).Debug(ctx, "scheduler status served")
	return resp, nil
}

// TerminalStats returns the per-terminal counters.
func (s *Service) TerminalStats(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	addr, err := model.ParseAddress(req.GetValue())
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	if s.stats == nil {
		return nil, ToStatusError(fmt.Errorf("%w: %s", ErrUnknownTerminal, addr))
	}
	st := s.stats.Terminal(addr)
	if st == nil {
		return nil, ToStatusError(fmt.Errorf("%w: %s", ErrUnknownTerminal, addr))
	}
	out := map[string]interface{}{
		"terminal":        addr.String(),
		"forward_bytes":   float64(st.ForwardBytes),
		"forward_packets": float64(st.ForwardPackets),
		"return_bytes":    float64(st.ReturnBytes),
		"return_packets":  float64(st.ReturnPackets),
	}
	if !math.IsNaN(st.Cno) {
		out["cno"] = st.Cno
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return resp, nil
}

func (s *Service) requestLogger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	_, l := logging.WithRequestLogger(ctx, s.log)
	return l
}
