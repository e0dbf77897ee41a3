// Package database provides the process-wide PostgreSQL connection handle.
//
// A Manager connects lazily on first use. Concurrent first callers share one
// connection attempt; a failed attempt caches nothing so the next caller
// retries. Once established the *sql.DB is shared until Disconnect.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relaydrive/relaydrive/internal/database/migrations"
	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metrics"
)

// Error is the error class for connection manager failures.
var Error = errs.Class("database")

// Opener creates a new, not yet verified, database handle.
type Opener func(ctx context.Context) (*sql.DB, error)

// Config holds connection settings.
type Config struct {
	URL            string
	MaxConns       int
	ConnectTimeout time.Duration // dial + startup handshake
	PingTimeout    time.Duration // time allowed for the first round trip
}

// Manager owns the lazily created connection handle.
type Manager struct {
	cfg  Config
	open Opener
	log  *zap.Logger

	flight singleflight.Group

	mu  sync.RWMutex
	db  *sql.DB
	gen uint64 // bumped by Disconnect so a racing attempt does not resurrect the handle

	shutdownOnce sync.Once
	resignal     func(os.Signal)
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the PostgreSQL opener, e.g. with sqlmock in tests.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.open = open }
}

// WithLogger sets the manager's logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNop(log) }
}

// WithSignalExit replaces what NotifyShutdown does with the signal once
// the handle is closed. The default delivers it to the process again.
func WithSignalExit(fn func(os.Signal)) Option {
	return func(m *Manager) { m.resignal = fn }
}

// New creates a Manager. No connection is made until GetConnection.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	m := &Manager{
		cfg: cfg,
		log: zap.NewNop(),
	}
	m.open = m.openPostgres
	m.resignal = resignal
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetConnection returns the shared handle, connecting if necessary.
// Callers arriving while an attempt is in flight wait for that attempt
// instead of starting their own. ctx only bounds the caller's wait; the
// attempt itself is bounded by the configured timeouts.
func (m *Manager) GetConnection(ctx context.Context) (*sql.DB, error) {
	if db := m.current(); db != nil {
		return db, nil
	}

	ch := m.flight.DoChan("connect", func() (interface{}, error) {
		if db := m.current(); db != nil {
			return db, nil
		}
		return m.connect(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}
}

func (m *Manager) current() *sql.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

func (m *Manager) connect(ctx context.Context) (*sql.DB, error) {
	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()

	start := time.Now()
	m.log.Info("connecting to database")

	db, err := m.open(ctx)
	if err != nil {
		metrics.RecordDBConnect(false)
		m.log.Error("database open failed", zap.Error(err))
		return nil, Error.Wrap(fmt.Errorf("open: %w", err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		metrics.RecordDBConnect(false)
		m.log.Error("database ping failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, Error.Wrap(fmt.Errorf("ping: %w", err))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = db.Close()
		return nil, Error.New("disconnected while connecting")
	}
	m.db = db
	m.mu.Unlock()

	metrics.RecordDBConnect(true)
	m.log.Info("database connected", zap.Duration("elapsed", time.Since(start)))
	return db, nil
}

// openPostgres opens a pgx-backed *sql.DB that resolves and dials IPv4 only,
// which avoids stalls on hosts with broken IPv6 routes.
func (m *Manager) openPostgres(ctx context.Context) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	connCfg.ConnectTimeout = m.cfg.ConnectTimeout

	dialer := &net.Dialer{
		Timeout:   m.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	connCfg.LookupFunc = func(ctx context.Context, host string) ([]string, error) {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil {
			return nil, err
		}
		addrs := make([]string, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, ip.String())
		}
		return addrs, nil
	}
	connCfg.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if network == "tcp" {
			network = "tcp4"
		}
		return dialer.DialContext(ctx, network, addr)
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(m.cfg.MaxConns)
	db.SetMaxIdleConns(max(1, m.cfg.MaxConns/2))
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
	return db, nil
}

// Disconnect closes the handle and clears cached state. It is safe to call
// repeatedly and from signal handlers.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	db := m.db
	m.db = nil
	m.gen++
	m.mu.Unlock()

	if db == nil {
		return nil
	}
	m.log.Info("closing database connection")
	if err := db.Close(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// NotifyShutdown disconnects exactly once when one of the given signals
// (SIGINT and SIGTERM by default) arrives, then unregisters and re-raises
// the signal so the process terminates as it would have without the hook.
// The returned func unregisters the hook.
func (m *Manager) NotifyShutdown(signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			m.shutdownOnce.Do(func() {
				m.log.Info("signal received, disconnecting", zap.String("signal", sig.String()))
				if err := m.Disconnect(); err != nil {
					m.log.Error("disconnect failed", zap.Error(err))
				}
				signal.Stop(ch)
				m.resignal(sig)
			})
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// resignal delivers sig to the current process.
func resignal(sig os.Signal) {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	_ = p.Signal(sig)
}

// Migrate applies the embedded schema migrations.
func (m *Manager) Migrate(ctx context.Context) error {
	db, err := m.GetConnection(ctx)
	if err != nil {
		return err
	}
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return Error.Wrap(err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return Error.Wrap(fmt.Errorf("migrate: %w", err))
	}
	return nil
}

// ReportStats publishes pool statistics if connected.
func (m *Manager) ReportStats() {
	if db := m.current(); db != nil {
		metrics.SetDBConnectionsOpen(db.Stats().OpenConnections)
	}
}
