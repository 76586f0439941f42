//go:build linux

package memhttpd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Server owns the content store, the listening socket and the event loop. The store is
// built before the socket opens and never changes afterwards.
type Server struct {
	cfg Config
	log *zap.Logger

	store  *ContentStore
	ledger *Ledger
	stats  *statsCollector
	loop   *eventLoop
	port   int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type ServerOptions struct {
	// Detector and Compressor override the ones named in the config.
	Detector   TypeDetector
	Compressor Compressor
	// Now overrides the clock used for Date headers.
	Now func() time.Time
}

func NewServer(cfg Config, log *zap.Logger, opts ServerOptions) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	detector := opts.Detector
	if detector == nil {
		d, err := NewTypeDetector(cfg.Store.Detector)
		if err != nil {
			return nil, err
		}
		detector = d
	}
	compressor := opts.Compressor
	if compressor == nil {
		c, err := NewCompressor(cfg.Store.Compressor)
		if err != nil {
			return nil, err
		}
		compressor = c
	}

	started := time.Now()
	store, err := BuildStore(cfg.Store.Root, int64(cfg.Store.Max), StoreOptions{
		Detector:       detector,
		Compressor:     compressor,
		CompressMin:    int64(cfg.Store.CompressMin),
		SkipUnreadable: cfg.Store.SkipUnreadable,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("build content store: %w", err)
	}
	st := store.Stats()
	recordStore(st)
	log.Info("content store built",
		zap.String("root", store.RootPath()),
		zap.String("used", formatBytes(uint64(st.Used))),
		zap.String("max", formatBytes(uint64(st.Max))),
		zap.Int("raw", st.Raw),
		zap.Int("compressed", st.Compressed),
		zap.Int("unloaded", st.Unloaded),
		zap.Duration("took", time.Since(started)),
	)
	if ce := log.Check(zap.DebugLevel, "content store tree"); ce != nil {
		var b strings.Builder
		_ = store.Dump(&b)
		ce.Write(zap.String("tree", b.String()))
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		store:  store,
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}

	if cfg.Ledger.Path != "" {
		l, err := OpenLedger(cfg.Ledger.Path, log)
		if err != nil {
			return nil, fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
		}
		s.ledger = l
	}

	lfd, err := listenTCP4(cfg.Server.Port, cfg.Server.Backlog)
	if err != nil {
		s.closeLedger()
		return nil, err
	}
	s.port, err = boundPort(lfd)
	if err != nil {
		s.port = cfg.Server.Port
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	env := &connEnv{
		store:      store,
		serverName: cfg.Server.Name,
		now:        now,
		log:        log,
		onAnswered: s.observe,
	}
	s.loop, err = newEventLoop(lfd, env, loopOptions{
		maxConns:          cfg.Server.MaxConnections,
		requestBufferSize: int(cfg.Server.RequestBufferSize),
		headerBufferSize:  int(cfg.Server.ResponseHeaderBufferSize),
	}, log)
	if err != nil {
		unix.Close(lfd)
		s.closeLedger()
		return nil, err
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Port is the bound TCP port, which differs from the configured one when that was 0.
func (s *Server) Port() int { return s.port }

func (s *Server) Store() *ContentStore { return s.store }

// Ledger returns nil when no ledger path is configured.
func (s *Server) Ledger() *Ledger { return s.ledger }

func (s *Server) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Serve runs the event loop on the calling goroutine until ctx is done or the loop
// fails. Every connection and the listening socket are closed when it returns.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.loop.shutdown)
	defer stop()

	s.log.Info("memhttpd listening",
		zap.Int("port", s.port),
		zap.Int("backlog", s.cfg.Server.Backlog),
		zap.Int("maxConnections", s.cfg.Server.MaxConnections))
	return s.loop.run()
}

// Close stops the background goroutines and flushes the ledger. Call it after Serve
// returned.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.loop.closeAll()
		s.closeLedger()
	})
}

func (s *Server) closeLedger() {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Close(); err != nil {
		s.log.Warn("close ledger", zap.Error(err))
	}
}

func (s *Server) observe(ex exchange) {
	s.stats.Observe(ex)
	recordExchange(ex)
	if s.ledger != nil && ex.Status == StatusOK {
		s.ledger.Record(ex.Target, ex.BodyBytes)
	}
}

func (s *Server) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.Uint64("responses", ss.TotalResponses),
				zap.Uint64("errors", ss.ErrorResponses),
				zap.Uint64("streamed", ss.Streamed),
				zap.String("bodyMin", formatBytes(ss.MinBodyBytes)),
				zap.String("bodyAvg", formatBytes(ss.AvgBodyBytes)),
				zap.String("bodyMax", formatBytes(ss.MaxBodyBytes)),
				zap.String("storeUsed", formatBytes(uint64(s.store.Used()))),
			}
			fields = append(fields, memoryFields()...)
			if s.ledger != nil {
				var top []string
				for _, e := range s.ledger.Top(3) {
					top = append(top, fmt.Sprintf("%s=%d", e.Path, e.Hits))
				}
				fields = append(fields, zap.Strings("top", top))
			}
			s.log.Info("stats", fields...)
		}
	}
}
