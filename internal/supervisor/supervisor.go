// Package supervisor owns the startup sequence and graceful shutdown for
// the whole controller process: given a loaded config, open persistence,
// open the serial link, warm the registry, and start the scheduler and
// admin HTTP surface. Grounded on the teacher's cmd/api/main.go wiring and graceful
// shutdown signal handling.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wpcfield/fieldctl/internal/adminhttp"
	"github.com/wpcfield/fieldctl/internal/config"
	"github.com/wpcfield/fieldctl/internal/events"
	"github.com/wpcfield/fieldctl/internal/eventproc"
	"github.com/wpcfield/fieldctl/internal/idgen"
	"github.com/wpcfield/fieldctl/internal/metrics"
	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/persistence/memstore"
	"github.com/wpcfield/fieldctl/internal/persistence/rediscache"
	"github.com/wpcfield/fieldctl/internal/persistence/sqlstore"
	"github.com/wpcfield/fieldctl/internal/policy"
	"github.com/wpcfield/fieldctl/internal/registry"
	"github.com/wpcfield/fieldctl/internal/relay"
	"github.com/wpcfield/fieldctl/internal/scheduler"
	"github.com/wpcfield/fieldctl/internal/serialport"

	"github.com/redis/go-redis/v9"
)

// Supervisor owns every long-lived component's lifecycle.
type Supervisor struct {
	Cfg       *config.Config
	Store     persistence.Store
	Link      serialport.Link
	Registry  *registry.Registry
	Bus       events.Bus
	Scheduler *scheduler.Scheduler
	Admin     *adminhttp.Server
	Metrics   *metrics.Metrics

	closers []func() error
}

// Start runs the startup sequence on an already loaded and validated cfg:
// open persistence (its health check must pass), open the serial link,
// warm-start the registry, then start the scheduler and the admin HTTP
// surface.
func Start(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	s := &Supervisor{Cfg: cfg}

	store, err := s.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("persistence health check: %w", err)
	}
	s.Store = store

	link, err := s.openLink()
	if err != nil {
		return nil, fmt.Errorf("open serial link: %w", err)
	}
	s.Link = link
	s.addCloser(link.Close)

	reg := registry.New()
	modules, err := store.LoadModulesForPolling(ctx)
	if err != nil {
		return nil, fmt.Errorf("load modules: %w", err)
	}
	if len(modules) == 0 {
		for _, m := range cfg.Modules {
			modules = append(modules, m.ToRegistryConfig())
		}
	}
	if err := reg.Load(modules); err != nil {
		return nil, fmt.Errorf("warm-start registry: %w", err)
	}
	s.Registry = reg

	bus := s.openBus()
	s.Bus = bus

	gen := idgen.New(cfg.MovementEpoch())
	proc := eventproc.New(store, bus, reg, gen)
	proc.Policy = policy.Config{
		AntipassbackWindow: cfg.Policy.AntipassbackWindow(),
		MinStayInterval:    cfg.Policy.MinStayInterval(),
		MinStayWindow:      cfg.Policy.MinStayWindow(),
	}

	s.Metrics = metrics.New()
	proc.Metrics = s.Metrics

	schedCfg := scheduler.Config{
		PollingInterval:   time.Duration(cfg.Scheduler.PollingIntervalMs) * time.Millisecond,
		MaxRetriesDefault: cfg.Scheduler.MaxRetriesDefault,
		BusErrorThreshold: cfg.Scheduler.BusErrorThreshold,
	}
	sched := scheduler.New(link, reg, bus, proc, schedCfg)
	sched.Metrics = s.Metrics
	s.Scheduler = sched

	r := relay.New(bus)
	s.Admin = adminhttp.New(cfg.HTTP.Addr, reg, store, http.HandlerFunc(r.ServeHTTP))

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler exited unexpectedly", "error", err)
		}
	}()
	go func() {
		if err := s.Admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin http server exited unexpectedly", "error", err)
		}
	}()

	slog.Info("fieldctl started", "modules", len(modules), "serial_port", cfg.Serial.Port, "http_addr", cfg.HTTP.Addr)
	return s, nil
}

func (s *Supervisor) openStore(ctx context.Context) (persistence.Store, error) {
	var inner persistence.Store
	switch s.Cfg.Persistence.Driver {
	case "postgres":
		st, err := sqlstore.Open(ctx, s.Cfg.Persistence.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.addCloser(st.Close)
		inner = st
	default:
		inner = memstore.New()
	}

	if !s.Cfg.Persistence.RedisCache.Enabled {
		return inner, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Cfg.Persistence.RedisCache.Addr})
	s.addCloser(client.Close)
	ttl := time.Duration(s.Cfg.Persistence.RedisCache.TTLSec) * time.Second
	return rediscache.New(inner, client, s.Cfg.Persistence.RedisCache.Prefix, ttl), nil
}

// openBus picks the event bus implementation: the plain in-process bus,
// or the Redis-wrapped one when cross-process fan-out is configured.
func (s *Supervisor) openBus() events.Bus {
	if !s.Cfg.Events.RedisEnabled {
		return events.NewLocalBus()
	}
	client := redis.NewClient(&redis.Options{Addr: s.Cfg.Events.RedisAddr})
	s.addCloser(client.Close)
	return events.NewRedisBus(client, s.Cfg.Events.RedisPrefix)
}

func (s *Supervisor) openLink() (serialport.Link, error) {
	linkCfg := serialport.Config{
		PortName:        s.Cfg.Serial.Port,
		BaudRate:        s.Cfg.Serial.BaudRate,
		Parity:          parityFromString(s.Cfg.Serial.Parity),
		DataBits:        s.Cfg.Serial.DataBits,
		StopBits:        s.Cfg.Serial.StopBits,
		RTSEnableDelay:  time.Duration(s.Cfg.Serial.RTSEnableDelayMs) * time.Millisecond,
		RTSDisableDelay: time.Duration(s.Cfg.Serial.RTSDisableDelayMs) * time.Millisecond,
		HardwareRS485:   s.Cfg.Serial.HardwareRS485,
	}
	if err := linkCfg.Validate(); err != nil {
		return nil, err
	}
	link := serialport.NewLinuxLink(linkCfg)
	if err := link.Open(); err != nil {
		return nil, err
	}
	return link, nil
}

func parityFromString(s string) serialport.Parity {
	switch s {
	case "even":
		return serialport.ParityEven
	case "odd":
		return serialport.ParityOdd
	default:
		return serialport.ParityNone
	}
}

func (s *Supervisor) addCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown stops the scheduler and admin server and releases every
// resource opened during Start, in reverse order. Worst case it waits one
// full bus round for the scheduler's current tick to finish, per spec.md.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Admin.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin http shutdown error", "error", err)
	}

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
