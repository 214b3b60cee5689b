package run

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/asr"
	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/control"
	"prism/internal/extract"
	"prism/internal/hook"
	"prism/internal/media"
	"prism/internal/metrics"
	"prism/internal/playback"
	"prism/internal/player"
	"prism/internal/preload"
	"prism/internal/pressure"
	"prism/internal/schedule"
	"prism/internal/session"
)

// Source decodes and probes media. extract.WAV is the default.
type Source interface {
	extract.Extractor
	extract.Prober
}

// Options swap collaborators, mostly for tests. Zero values use the
// configured defaults.
type Options struct {
	Source Source
	Engine asr.Engine
}

// Server owns the playback core and exposes it over the control socket and
// the HTTP surface.
type Server struct {
	cfg       *config.Config
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	startedAt time.Time

	machine *playback.Machine
	sched   *schedule.Scheduler
	cache   *cache.Tiered
	preload *preload.Orchestrator
	monitor *pressure.Monitor
	player  *player.Clock
	session *session.Session

	hook         *hook.Runner
	hookCh       chan hook.Job
	transcriptMu sync.Mutex

	wg sync.WaitGroup
}

// New wires every component from cfg.
func New(cfg *config.Config, logger *logrus.Logger, opts Options) (*Server, error) {
	strategy, err := preload.StrategyByName(cfg.Preload.Strategy)
	if err != nil {
		return nil, err
	}
	if cfg.Preload.PreloadDuration > 0 {
		strategy.PreloadDuration = cfg.Preload.PreloadDuration
	}
	if cfg.Preload.FastWindow > 0 {
		strategy.FastWindow = cfg.Preload.FastWindow
	}
	if cfg.Recognition.SegmentSec > 0 {
		strategy.SegmentDuration = cfg.Recognition.SegmentSec
	}
	maxBytes := strategy.MaxCacheBytes
	if cfg.Cache.MaxMB > 0 {
		maxBytes = int64(cfg.Cache.MaxMB) << 20
	}

	runner, err := hook.NewRunner(cfg, logger)
	if err != nil {
		return nil, err
	}

	src := opts.Source
	if src == nil {
		src = extract.WAV{TargetRate: cfg.Audio.SampleRate}
	}
	engine := opts.Engine
	if engine == nil {
		engine, err = asr.NewEngine(cfg, logger)
		if err != nil {
			logger.Warnf("asr init: %v; recognition disabled", err)
			engine = asr.Unavailable{}
		}
	}

	m := metrics.New()
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		startedAt: time.Now(),
		hook:      runner,
		hookCh:    make(chan hook.Job, hookQueueSize(cfg)),
	}
	s.machine = playback.New(
		playback.WithLogger(logger),
		playback.WithMetrics(m),
		playback.WithCancelledCap(cfg.Recognition.CancelledTokenCap),
	)
	s.sched = schedule.New(cfg.Preload.MaxConcurrent, logger, m)
	s.cache = cache.New(maxBytes, cfg.Cache.MaxItems, cache.WithLogger(logger), cache.WithMetrics(m))
	s.preload = preload.New(src, s.cache, s.sched, strategy, logger)
	s.monitor = pressure.New(logger, m, nil)
	s.player = player.NewClock(src, nil)
	s.session = session.New(session.Deps{
		Machine:   s.machine,
		Scheduler: s.sched,
		Cache:     s.cache,
		Preload:   s.preload,
		Pressure:  s.monitor,
		Engine:    engine,
		Player:    s.player,
		Sink:      s,
		Logger:    logger,
		Metrics:   m,
	}, session.Options{
		SegmentSec:        strategy.SegmentDuration,
		FirstFrameTimeout: seconds(cfg.Recognition.FirstFrameTimeoutSec, preload.DefaultFirstFrameTimeout),
		LoadTimeout:       seconds(cfg.Recognition.LoadTimeoutSec, 5*time.Second),
		TranscriptTail:    cfg.UI.StatusTail,
		AutoRecognize:     cfg.Recognition.Auto,
		AutoInterval:      millis(cfg.Recognition.TickMS, 500*time.Millisecond),
	})
	return s, nil
}

// Serve runs the daemon until interrupted.
func Serve(cfg *config.Config, logger *logrus.Logger) error {
	if err := config.MustStatePaths(cfg); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Paths.PidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(cfg.Paths.PidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("remove pid file: %v", err)
		}
	}()

	srv, err := New(cfg, logger, Options{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGUSR1 is the external memory-warning signal.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGUSR1 {
					srv.monitor.Signal()
					continue
				}
				logger.Infof("received signal %s, shutting down", sig)
				cancel()
				return
			}
		}
	}()
	return srv.Run(ctx)
}

// Run serves the control socket and background loops until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.cfg.Paths.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debugf("remove stale socket: %v", err)
	}
	ln, err := net.Listen("unix", s.cfg.Paths.SocketPath)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}

	s.spawn(func() { s.controlLoop(ctx, ln) })
	s.spawn(func() { s.hookWorker(ctx) })
	s.spawn(func() { s.player.Run(ctx, millis(s.cfg.Recognition.TickMS, 500*time.Millisecond)) })
	s.spawn(func() { s.session.Run(ctx) })
	if s.cfg.Metrics.Enabled {
		s.spawn(func() { s.httpServe(ctx, s.cfg.Metrics.Addr) })
	}
	if s.cfg.Pressure.Watch {
		watch := pressure.HeapWatch{
			Monitor:   s.monitor,
			Interval:  millis(s.cfg.Pressure.IntervalMS, 5*time.Second),
			SoftLimit: uint64(s.cfg.Pressure.SoftLimitMB) << 20,
		}
		s.spawn(func() { watch.Run(ctx) })
	}
	s.logger.WithFields(logrus.Fields{
		"socket":   s.cfg.Paths.SocketPath,
		"strategy": s.preload.Strategy().Name,
		"workers":  s.sched.Workers(),
	}).Info("prism daemon ready")

	<-ctx.Done()
	if err := ln.Close(); err != nil {
		s.logger.Debugf("control listener close: %v", err)
	}
	s.preload.Stop()
	s.sched.Close()
	s.monitor.Close()
	s.machine.Close()
	s.wg.Wait()
	_ = os.Remove(s.cfg.Paths.SocketPath)
	return nil
}

func (s *Server) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Deliver records a transcript and queues it for the hook.
func (s *Server) Deliver(tr session.Transcript) {
	s.logger.WithFields(logrus.Fields{
		"window":     tr.Window.String(),
		"confidence": tr.Confidence,
	}).Infof("heard: %q", tr.Text)
	s.recordTranscript(tr)

	if !s.hook.Enabled() {
		return
	}
	job := hook.Job{
		Text:       tr.Text,
		Window:     tr.Window,
		MediaRef:   tr.MediaRef,
		Confidence: tr.Confidence,
		Timestamp:  tr.At,
	}
	if !s.hook.ShouldRun(job) {
		s.logger.Debug("hook skipped (min_chars)")
		return
	}
	select {
	case s.hookCh <- job:
	default:
		s.logger.Warn("hook queue full, dropping job")
	}
}

func (s *Server) recordTranscript(tr session.Transcript) {
	if !s.cfg.Transcripts.Enabled || s.cfg.Paths.TranscriptPath == "" {
		return
	}
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	f, err := os.OpenFile(s.cfg.Paths.TranscriptPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warnf("open transcript log: %v", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\t%s\t%s\t%s\n", tr.At.Format(time.RFC3339), tr.MediaRef, tr.Window.Key(), tr.Text); err != nil {
		s.logger.Warnf("write transcript: %v", err)
	}
}

func (s *Server) controlLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorf("control accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil && ctx.Err() == nil {
			s.logger.Warnf("control connection close: %v", err)
		}
	}()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	var req control.Request
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		_ = json.NewEncoder(conn).Encode(control.SimpleResponse{Message: "bad request: " + err.Error()})
		return
	}
	_ = json.NewEncoder(conn).Encode(s.dispatch(ctx, req))
}

// dispatch executes one control request and returns the reply value.
func (s *Server) dispatch(ctx context.Context, req control.Request) any {
	s.logger.WithField("op", req.Op).Debug("control request")
	switch req.Op {
	case control.OpStatus:
		return control.Status{
			Running:   true,
			UptimeSec: time.Since(s.startedAt).Seconds(),
			Session:   s.session.Status(req.Keys),
		}
	case control.OpHealth:
		return control.SimpleResponse{OK: true, Message: "ok"}
	case control.OpCache:
		return s.cache.Stats(true)
	case control.OpOpen:
		if req.Media == "" {
			return control.SimpleResponse{Message: "media is required"}
		}
		return s.reply(s.session.Open(ctx, req.Media))
	case control.OpPlay:
		return s.reply(s.session.Play())
	case control.OpPause:
		return s.reply(s.session.Pause())
	case control.OpSeek:
		tok, err := s.session.Seek(req.Time)
		resp := s.reply(err)
		resp.Token = string(tok)
		return resp
	case control.OpRecognize:
		return s.reply(s.session.Recognize(media.NewTimeRange(req.Start, req.End)))
	case control.OpNext:
		w, err := s.session.RecognizeNext()
		resp := s.reply(err)
		if err == nil {
			resp.Message = "recognizing " + w.String()
		}
		return resp
	case control.OpCancel:
		return s.reply(s.session.Cancel(playback.SeekToken(req.Token)))
	case control.OpReset:
		return s.reply(s.session.Reset())
	case control.OpRetry:
		return s.reply(s.session.Retry(ctx))
	case control.OpPressure:
		var ev pressure.Event
		if req.Level == "" {
			ev = s.monitor.Signal()
		} else {
			level, err := media.ParsePressureLevel(req.Level)
			if err != nil {
				return control.SimpleResponse{Message: err.Error()}
			}
			ev = s.monitor.Trigger(level)
		}
		return control.SimpleResponse{OK: true, Message: "pressure " + ev.Level.String()}
	default:
		return control.SimpleResponse{Message: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Server) reply(err error) control.SimpleResponse {
	state := s.machine.State().String()
	if err != nil {
		return control.SimpleResponse{Message: fmt.Sprintf("%v (%s)", err, media.Classify(err)), State: state}
	}
	return control.SimpleResponse{OK: true, Message: "ok", State: state}
}
