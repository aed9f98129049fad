package main

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/channel"
	"github.com/signalsfoundry/satlink-scheduler/internal/config"
	"github.com/signalsfoundry/satlink-scheduler/internal/control"
	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/fwdlink"
	"github.com/signalsfoundry/satlink-scheduler/internal/gwmac"
	"github.com/signalsfoundry/satlink-scheduler/internal/kpi"
	"github.com/signalsfoundry/satlink-scheduler/internal/llc"
	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/observability"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/internal/superframe"
	"github.com/signalsfoundry/satlink-scheduler/internal/utmac"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

// terminal is one UT: its return-link buffer, its MAC and its traffic
// profile.
type terminal struct {
	info    model.Terminal
	queue   *llc.Queue
	mac     *utmac.Mac
	traffic config.Terminal
}

// simulation wires one beam: a gateway with its forward scheduler and NCC,
// the terminals, the channel model and the traffic sources. Everything runs
// on loop.
type simulation struct {
	cfg *config.Config
	log logging.Logger

	loop    *sim.Loop
	seq     *superframe.Sequence
	stats   *kpi.Store
	board   *control.StatusBoard
	gwAddr  model.Address
	gwQueue *llc.Queue
	fwd     *fwdlink.Scheduler
	ncc     *gwmac.NCC
	gw      *gwmac.Mac
	channel *channel.Source

	terminals []*terminal
	byAddress map[model.Address]*terminal
	sources   []*llc.CBR
	sampler   *sim.Task
}

func newSimulation(cfg *config.Config, log logging.Logger, metrics *observability.LinkCollector) (*simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gwAddr, err := cfg.GatewayAddress()
	if err != nil {
		return nil, err
	}
	fwdCfg, err := cfg.ForwardConfig(gwAddr)
	if err != nil {
		return nil, err
	}
	conf, err := cfg.FrameConf()
	if err != nil {
		return nil, err
	}
	seq, err := cfg.Sequence()
	if err != nil {
		return nil, err
	}
	uts, err := cfg.ModelTerminals()
	if err != nil {
		return nil, err
	}
	satellite, err := cfg.SatelliteMotion()
	if err != nil {
		return nil, err
	}

	loop := sim.NewLoop(cfg.Simulation.Start)
	log = logging.WithClock(log, loop.Now)
	s := &simulation{
		cfg:       cfg,
		log:       log.With(logging.String("component", "simulation")),
		loop:      loop,
		seq:       seq,
		stats:     kpi.NewStore(),
		board:     &control.StatusBoard{},
		gwAddr:    gwAddr,
		byAddress: make(map[model.Address]*terminal, len(uts)),
	}
	s.gwQueue = llc.NewQueue(gwAddr, s.loop, llc.WithLimit(cfg.Gateway.QueueLimitBytes))

	s.fwd, err = fwdlink.New(fwdCfg, conf, s.gwQueue, s.loop,
		fwdlink.WithLogger(log),
		fwdlink.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("forward scheduler: %w", err)
	}
	s.ncc, err = gwmac.NewNCC(cfg.NCCConfig(), gwAddr, seq, s.loop, s.gwQueue,
		gwmac.WithNCCLogger(log),
		gwmac.WithNCCMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("NCC: %w", err)
	}
	s.gw, err = gwmac.New(gwAddr, cfg.Gateway.Carriers, s.fwd, s.loop, gwmac.FrameSinkFunc(s.deliverFrame),
		gwmac.WithLogger(log),
		gwmac.WithMetrics(metrics),
		gwmac.WithDummyFrames(cfg.Gateway.SendDummyFrames),
		gwmac.WithNCC(s.ncc),
		gwmac.WithRxFunc(s.gatewayReceived),
	)
	if err != nil {
		return nil, fmt.Errorf("gateway MAC: %w", err)
	}

	utCfg := cfg.TerminalConfig()
	for i, info := range uts {
		t := &terminal{
			info:    info,
			queue:   llc.NewQueue(info.Address, s.loop),
			traffic: cfg.Terminals[i],
		}
		queue := t.queue
		t.mac, err = utmac.New(utCfg, info, seq, s.loop, t.queue, utmac.BurstSinkFunc(s.deliverBurst),
			utmac.WithLogger(log),
			utmac.WithMetrics(metrics),
			utmac.WithGateway(gwAddr),
			utmac.WithTxFunc(func(ctx context.Context, p *ctrlmsg.Packet, _ model.Address) error {
				return queue.SendControl(ctx, p)
			}),
			utmac.WithRxFunc(s.terminalReceived(info.Address)),
		)
		if err != nil {
			return nil, fmt.Errorf("terminal %s MAC: %w", info.Name, err)
		}
		s.ncc.Logon(info, utCfg.Cra)
		s.stats.Register(info.Address)
		s.terminals = append(s.terminals, t)
		s.byAddress[info.Address] = t
	}

	s.channel, err = channel.NewSource(satellite, uts,
		channel.WithLogger(log),
		channel.WithMinElevation(cfg.Channel.MinElevationDeg),
		channel.WithLinkBudget(cfg.LinkBudget()),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// start launches TBTP generation, forward scheduling, channel sampling and
// the traffic sources. Terminal start times are staggered.
func (s *simulation) start(ctx context.Context) error {
	if err := s.ncc.Start(ctx); err != nil {
		return err
	}
	s.gw.StartScheduling(ctx)
	s.sampler = s.channel.Start(s.loop, s.cfg.Channel.Period, s.measured)

	for i, t := range s.terminals {
		delay := 100*time.Millisecond + time.Duration(i)*50*time.Millisecond
		if fwd := t.traffic.Forward; fwd.Size > 0 && fwd.Interval > 0 {
			src := &llc.CBR{Dest: t.info.Address, Flow: fwd.Flow, Size: fwd.Size, Interval: fwd.Interval}
			if err := src.Start(s.loop, s.gwQueue, delay); err != nil {
				return fmt.Errorf("terminal %s forward traffic: %w", t.info.Name, err)
			}
			s.sources = append(s.sources, src)
		}
		if rtn := t.traffic.Return; rtn.Size > 0 && rtn.Interval > 0 {
			src := &llc.CBR{Dest: s.gwAddr, Flow: rtn.Flow, Size: rtn.Size, Interval: rtn.Interval}
			if err := src.Start(s.loop, t.queue, delay); err != nil {
				return fmt.Errorf("terminal %s return traffic: %w", t.info.Name, err)
			}
			s.sources = append(s.sources, src)
		}
	}
	s.log.Info(ctx, "simulation started",
		logging.Int("terminals", len(s.terminals)),
		logging.Int("traffic_sources", len(s.sources)),
		logging.Time("start", s.loop.Now()),
	)
	return nil
}

// stop halts every periodic activity.
func (s *simulation) stop() {
	for _, src := range s.sources {
		src.Stop()
	}
	s.sampler.Stop()
	s.ncc.Stop()
	s.gw.Dispose()
	s.fwd.Dispose()
	for _, t := range s.terminals {
		t.mac.Dispose()
	}
}

// deliverFrame hands a forward frame to every terminal of the beam once it
// has been fully received.
func (s *simulation) deliverFrame(_ context.Context, tx gwmac.Transmission) error {
	s.stats.RecordFrame(tx.Frame.IsDummy(), tx.Frame.PayloadBytes())
	packets := tx.Frame.Packets()
	s.loop.Schedule(tx.Start.Add(tx.Frame.Duration()), func() error {
		for _, t := range s.terminals {
			if err := t.mac.Receive(context.Background(), packets); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// deliverBurst hands a return burst to the gateway at its end.
func (s *simulation) deliverBurst(_ context.Context, b utmac.Burst) error {
	packets := b.Packets
	s.loop.Schedule(b.Start.Add(b.Duration), func() error {
		return s.gw.Receive(context.Background(), packets)
	})
	return nil
}

func (s *simulation) gatewayReceived(_ context.Context, p *ctrlmsg.Packet, src model.Address) error {
	s.stats.RecordReturn(src, p.Size, s.loop.Now())
	return nil
}

func (s *simulation) terminalReceived(addr model.Address) utmac.RxFunc {
	return func(_ context.Context, p *ctrlmsg.Packet, _ model.Address) error {
		s.stats.RecordForward(addr, p.Size, s.loop.Now())
		return nil
	}
}

// measured applies a channel sample. The gateway estimator also receives the
// value with every capacity request.
func (s *simulation) measured(sample channel.Sample) error {
	s.applyCno(sample.Terminal, sample.Cno)
	return nil
}

// applyCno is also the sink of externally injected samples.
func (s *simulation) applyCno(addr model.Address, cno float64) {
	t, ok := s.byAddress[addr]
	if !ok {
		return
	}
	t.mac.CnoUpdated(cno)
	s.fwd.CnoUpdated(addr, cno)
	s.stats.RecordCno(addr, cno, s.loop.Now())
}

// publish refreshes the snapshot read by the control API.
func (s *simulation) publish() {
	s.board.Publish(control.Status{
		SimTime:          s.loop.Now(),
		BufferedDuration: s.fwd.BufferedDuration(),
		BufferedFrames:   s.fwd.BufferedFrames(),
		TbtpHistory:      s.seq.History(s.cfg.Gateway.Beam).Len(),
		Terminals:        len(s.terminals),
	})
}

func (s *simulation) addresses() []model.Address {
	out := make([]model.Address, len(s.terminals))
	for i, t := range s.terminals {
		out[i] = t.info.Address
	}
	return out
}

// Summary is the end-of-run report.
type Summary struct {
	SimTime   time.Time
	Frames    kpi.FrameStats
	Terminals []kpi.TerminalStats
	Sent      uint64
	Dropped   uint64
}

func (s *simulation) summary() Summary {
	out := Summary{
		SimTime:   s.loop.Now(),
		Frames:    s.stats.Frames(),
		Terminals: s.stats.Terminals(),
		Dropped:   s.gwQueue.Dropped(),
	}
	for _, src := range s.sources {
		out.Sent += src.Sent()
	}
	for _, t := range s.terminals {
		out.Dropped += t.queue.Dropped()
	}
	return out
}
