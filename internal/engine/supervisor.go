package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"marketsync/internal/book"
	"marketsync/internal/domain"
	"marketsync/internal/event"
	"marketsync/internal/infra"
	"marketsync/internal/infra/binance"
	"marketsync/internal/service"
	"marketsync/internal/tape"
	"marketsync/internal/ticker"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

// Config tunes the supervisor and everything it creates per symbol.
type Config struct {
	WSURL string

	DepthLimit   int
	TopLevels    int
	TapeCapacity int

	Cooldown        time.Duration
	MaxAttempts     int
	FetchTimeout    time.Duration
	InitConcurrency int

	// BridgeFirstDiff lets the first diff after a snapshot span the snapshot id
	// without chaining on pu. See book.Config.
	BridgeFirstDiff bool

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	ShutdownGrace    time.Duration

	Freshness time.Duration
	Clock     domain.Clock
}

func (c *Config) applyDefaults() {
	if c.InitConcurrency <= 0 {
		c.InitConcurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = book.DefaultMaxAttempts
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// symbolState groups everything owned for one symbol.
type symbolState struct {
	symbol  string
	replica *book.Replica
	tape    *tape.Tape
	streams []*binance.Stream

	resyncReq chan struct{}
	exhausted bool // guarded by Supervisor.mu
}

// requestResync never blocks: one pending request is enough.
func (st *symbolState) requestResync() {
	select {
	case st.resyncReq <- struct{}{}:
	default:
	}
}

// Supervisor owns every connection and every per-symbol replica, tape and quote.
// Consumers only use its read-only query methods.
type Supervisor struct {
	cfg      Config
	fetcher  domain.SnapshotFetcher
	metrics  *infra.Metrics
	recorder domain.StatusRecorder
	logger   *slog.Logger

	board  *ticker.Board
	oracle *service.PriceOracle

	mu      sync.RWMutex
	symbols map[string]*symbolState
	order   []string
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	listenerMu     sync.RWMutex
	bookListeners  []func(domain.TopOfBookView)
	tradeListeners []func(domain.Trade)
}

// NewSupervisor creates a supervisor. metrics and recorder may be nil.
func NewSupervisor(cfg Config, fetcher domain.SnapshotFetcher, metrics *infra.Metrics, recorder domain.StatusRecorder) *Supervisor {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = infra.NewMetrics()
	}
	board := ticker.NewBoard()
	return &Supervisor{
		cfg:      cfg,
		fetcher:  fetcher,
		metrics:  metrics,
		recorder: recorder,
		logger:   slog.Default().With("module", "supervisor"),
		board:    board,
		oracle:   service.NewPriceOracle(board, cfg.Freshness, cfg.Clock),
		symbols:  make(map[string]*symbolState),
	}
}

// OnBookUpdate registers fn to receive every new top-of-book view.
// Listeners run on the depth stream goroutine; slices in the view are read-only.
func (s *Supervisor) OnBookUpdate(fn func(domain.TopOfBookView)) {
	s.listenerMu.Lock()
	s.bookListeners = append(s.bookListeners, fn)
	s.listenerMu.Unlock()
}

// OnTrade registers fn to receive every recorded trade.
func (s *Supervisor) OnTrade(fn func(domain.Trade)) {
	s.listenerMu.Lock()
	s.tradeListeners = append(s.tradeListeners, fn)
	s.listenerMu.Unlock()
}

// Start registers symbols, seeds every order book and opens its streams.
//
// Symbols initialize concurrently; each symbol's streams open only after its
// own snapshot attempt finished. A symbol whose snapshot keeps failing is left
// unsynced and recovers through throttled resyncs once diffs arrive.
// Start returns when every symbol's streams are open, or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	var states []*symbolState
	for _, raw := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" || s.symbols[sym] != nil {
			continue
		}
		st := s.register(sym)
		states = append(states, st)

		s.wg.Add(1)
		go s.resyncLoop(ctx, st)
	}
	s.mu.Unlock()

	event.Warmup(len(states) * 8)
	s.logger.Info("🚀 Supervisor starting", slog.Int("symbols", len(states)))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.InitConcurrency)
	for _, st := range states {
		g.Go(func() error {
			if err := s.initialize(ctx, st); err != nil && ctx.Err() == nil {
				s.logger.Error("Order book initialization failed, waiting for resync",
					slog.String("symbol", st.symbol),
					slog.Any("error", err),
				)
			}
			return s.openStreams(ctx, st)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// register creates the per-symbol state. Caller holds mu.
func (s *Supervisor) register(sym string) *symbolState {
	replica := book.NewReplica(book.Config{
		Symbol:       sym,
		DepthLimit:   s.cfg.DepthLimit,
		TopLevels:    s.cfg.TopLevels,
		Cooldown:     s.cfg.Cooldown,
		MaxAttempts:  s.cfg.MaxAttempts,
		FetchTimeout: s.cfg.FetchTimeout,

		BridgeFirstDiff: s.cfg.BridgeFirstDiff,
	}, s.fetcher, s.cfg.Clock)
	replica.SetListener(s.publishBook)

	st := &symbolState{
		symbol:    sym,
		replica:   replica,
		tape:      tape.New(sym, s.cfg.TapeCapacity, s.cfg.Clock),
		resyncReq: make(chan struct{}, 1),
	}
	s.symbols[sym] = st
	s.order = append(s.order, sym)
	s.oracle.Register(sym, replica, st.tape)
	s.metrics.SetSynced(sym, false)
	return st
}

// initialize seeds the replica, retrying with backoff up to MaxAttempts.
func (s *Supervisor) initialize(ctx context.Context, st *symbolState) error {
	b := &backoff.Backoff{
		Min:    s.cfg.BackoffMin,
		Max:    s.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		err := st.replica.Initialize(ctx)
		s.reportHealth(st)
		if err == nil {
			s.metrics.RecordResync(st.symbol, infra.ResyncOK, time.Since(start))
			s.logger.Info("✅ Order book synced",
				slog.String("symbol", st.symbol),
				slog.Uint64("last_update_id", st.replica.Health().LastSequenceID),
			)
			return nil
		}
		if errors.Is(err, domain.ErrReplicaStopped) || ctx.Err() != nil {
			return err
		}

		lastErr = err
		s.metrics.RecordResync(st.symbol, infra.ResyncFailed, time.Since(start))
		s.logger.Warn("Snapshot fetch failed",
			slog.String("symbol", st.symbol),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt == s.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return lastErr
}

// openStreams dials the depth, trade and quote streams of a symbol.
func (s *Supervisor) openStreams(ctx context.Context, st *symbolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || ctx.Err() != nil {
		return nil
	}

	kinds := []struct {
		kind    domain.StreamKind
		handler binance.Handler
	}{
		{domain.StreamDepth, s.depthHandler(st)},
		{domain.StreamTrade, s.tradeHandler(st)},
		{domain.StreamTicker, s.tickerHandler(st)},
	}

	for _, k := range kinds {
		stream := binance.NewStream(binance.StreamConfig{
			BaseURL:          s.cfg.WSURL,
			Symbol:           st.symbol,
			Kind:             k.kind,
			HandshakeTimeout: s.cfg.HandshakeTimeout,
			IdleTimeout:      s.cfg.IdleTimeout,
			BackoffMin:       s.cfg.BackoffMin,
			BackoffMax:       s.cfg.BackoffMax,
		}, k.handler)

		kind := k.kind
		stream.OnConnect(func() {
			s.metrics.IncrementConnections()
			if kind == domain.StreamDepth {
				s.rearm(st)
			}
		})
		stream.OnDisconnect(func(err error) {
			s.metrics.DecrementConnections()
			if ctx.Err() == nil {
				s.metrics.RecordReconnect(st.symbol, string(kind))
			}
		})

		if err := stream.Connect(ctx); err != nil {
			return err
		}
		st.streams = append(st.streams, stream)
	}
	return nil
}

// rearm gives an exhausted replica a fresh attempt budget on a new depth connection.
func (s *Supervisor) rearm(st *symbolState) {
	st.replica.Rearm()

	s.mu.Lock()
	wasExhausted := st.exhausted
	st.exhausted = false
	s.mu.Unlock()

	if wasExhausted {
		s.logger.Info("Resync budget restored after reconnect", slog.String("symbol", st.symbol))
		s.reportHealth(st)
	}
}

// Stop cancels every connection and resync loop and waits up to the shutdown
// grace period for them to exit. Safe to call more than once or before Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	states := make([]*symbolState, 0, len(s.order))
	for _, sym := range s.order {
		states = append(states, s.symbols[sym])
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Persisted status is the health before teardown, never STOPPED.
	final := make([]book.Health, len(states))
	for i, st := range states {
		final[i] = st.replica.Health()
	}

	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, st := range states {
			for _, stream := range st.streams {
				wg.Add(1)
				go func() {
					defer wg.Done()
					stream.DisconnectTimeout(time.Until(deadline))
				}()
			}
		}
		wg.Wait()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("👋 Supervisor stopped")
	case <-time.After(time.Until(deadline)):
		s.logger.Warn("Supervisor shutdown grace period exceeded", slog.Duration("grace", s.cfg.ShutdownGrace))
	}

	for i, st := range states {
		st.replica.Stop()
		s.metrics.SetSynced(st.symbol, false)
		s.recordHealth(st.symbol, final[i])
	}
}

// reportHealth pushes the replica health to metrics and the status recorder.
func (s *Supervisor) reportHealth(st *symbolState) {
	h := st.replica.Health()
	s.metrics.SetSynced(st.symbol, h.State == domain.StateSynced)
	s.recordHealth(st.symbol, h)
}

func (s *Supervisor) recordHealth(symbol string, h book.Health) {
	if s.recorder == nil {
		return
	}
	status := domain.SymbolStatus{
		Symbol:              symbol,
		State:               string(h.State),
		LastSequenceID:      h.LastSequenceID,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastResyncAt:        h.LastAttemptAt,
	}
	if h.LastError != nil {
		status.LastError = h.LastError.Error()
	}
	s.recorder.Record(status)
}

func (s *Supervisor) publishBook(view domain.TopOfBookView) {
	s.listenerMu.RLock()
	listeners := s.bookListeners
	s.listenerMu.RUnlock()

	for _, fn := range listeners {
		s.safeCall("book", func() { fn(view) })
	}
}

func (s *Supervisor) publishTrade(tr domain.Trade) {
	s.listenerMu.RLock()
	listeners := s.tradeListeners
	s.listenerMu.RUnlock()

	for _, fn := range listeners {
		s.safeCall("trade", func() { fn(tr) })
	}
}

// safeCall keeps a panicking listener from taking down a stream goroutine.
func (s *Supervisor) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Listener panic recovered", slog.String("listener", kind), slog.Any("panic", r))
		}
	}()
	fn()
}
