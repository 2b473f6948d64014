package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"
	yaml "gopkg.in/yaml.v3"

	"github.com/krawall/krawall/config"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/connector/browserws"
	"github.com/krawall/krawall/connector/registry"
	"github.com/krawall/krawall/discovery"
	"github.com/krawall/krawall/discovery/cache"
	"github.com/krawall/krawall/refresh"
	"github.com/krawall/krawall/target"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		targetsF = flag.String("targets", "", "Path to the YAML target list")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *targetsF); err != nil {
		log.Errorf(ctx, err, "krawalld exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, targetsPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "namespace", V: cfg.Namespace}, log.KV{K: "redis", V: cfg.Redis.Addr})

	targets, err := loadTargets(targetsPath)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	node, err := pool.AddNode(ctx, cfg.Namespace+":refresh-pool", rdb)
	if err != nil {
		return fmt.Errorf("join refresh pool: %w", err)
	}
	defer func() {
		if err := node.Close(ctx); err != nil {
			log.Warnf(ctx, "refresh pool close: %v", err)
		}
	}()

	schedules, err := rmap.Join(ctx, cfg.Namespace+":refresh-schedules", rdb)
	if err != nil {
		return fmt.Errorf("join schedule map: %w", err)
	}

	browser := discovery.NewBrowser(discovery.BrowserOptions{
		ExecPath:    cfg.Browser.ExecPath,
		ProxyServer: cfg.Browser.Proxy,
	})
	defer browser.Close()
	runner := discovery.NewRunner(browser)
	store := cache.New(rdb, cfg.Namespace)

	targetByID := make(map[string]*target.Target, len(targets))
	for _, tgt := range targets {
		targetByID[tgt.ID] = tgt
	}

	scheduler, err := refresh.NewScheduler(refresh.Options{
		Tickers:             refresh.PulseTickers{Node: node},
		Schedules:           schedules,
		Redis:               rdb,
		Namespace:           cfg.Namespace,
		RefreshAheadPercent: cfg.Refresh.AheadPercent,
		Run: func(ctx context.Context, targetID string) error {
			tgt, ok := targetByID[targetID]
			if !ok {
				return fmt.Errorf("unknown target %s", targetID)
			}
			proto, err := tgt.BrowserProtocol()
			if err != nil {
				return err
			}
			res, err := runner.Discover(ctx, discovery.Request{
				TargetID:   targetID,
				Config:     proto,
				OnProgress: discovery.RedisProgress(ctx, rdb, cfg.Namespace, targetID),
			})
			if err != nil {
				return err
			}
			store.Set(ctx, targetID, res, sessionMaxAge(proto, cfg))
			return nil
		},
	})
	if err != nil {
		return err
	}
	defer scheduler.Close()

	reg := registry.New(registry.Options{
		BrowserWS: browserws.Options{
			Runner:    runner,
			Cache:     store,
			Redis:     rdb,
			Namespace: cfg.Namespace,
		},
	})

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go healthLoop(loopCtx, reg, targets)

	// Schedule refresh loops for active browser targets that opted in.
	for _, tgt := range targets {
		if tgt.Kind != target.KindBrowserWS || !tgt.Active {
			continue
		}
		proto, err := tgt.BrowserProtocol()
		if err != nil {
			log.Errorf(ctx, err, "skipping target %s", tgt.ID)
			continue
		}
		if !proto.RefreshEnabled {
			continue
		}
		if err := scheduler.Schedule(ctx, tgt.ID, sessionMaxAge(proto, cfg)); err != nil {
			log.Errorf(ctx, err, "schedule refresh for %s", tgt.ID)
		}
	}
	log.Printf(ctx, "krawalld ready: %d targets", len(targets))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf(ctx, "received %s, shutting down", s)
	return nil
}

func sessionMaxAge(proto target.BrowserProtocol, cfg config.Config) time.Duration {
	if proto.SessionMaxAgeMS > 0 {
		return time.Duration(proto.SessionMaxAgeMS) * time.Millisecond
	}
	return cfg.SessionMaxAge()
}

// healthLoop probes every active non-browser target once a minute and logs
// state changes. Browser targets are excluded: probing them would spin up
// discovery runs.
func healthLoop(ctx context.Context, reg *registry.Registry, targets []*target.Target) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	conns := make(map[string]connector.Connector)
	defer func() {
		for _, c := range conns {
			_ = c.Disconnect(context.Background())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		for _, tgt := range targets {
			if !tgt.Active || tgt.Kind == target.KindBrowserWS {
				continue
			}
			c, ok := conns[tgt.ID]
			if !ok {
				var err error
				c, err = reg.Create(ctx, tgt)
				if err != nil {
					log.Errorf(ctx, err, "health: create connector for %s", tgt.ID)
					continue
				}
				if err := c.Connect(ctx); err != nil {
					log.Warnf(ctx, "health: connect %s failed: %v", tgt.ID, err)
					continue
				}
				conns[tgt.ID] = c
			}
			health, err := c.HealthCheck(ctx)
			if err != nil {
				log.Warnf(ctx, "health: check %s failed: %v", tgt.ID, err)
				continue
			}
			if !health.Healthy {
				log.Warnf(ctx, "health: %s unhealthy: %s", tgt.ID, health.Error)
				continue
			}
			log.Debugf(ctx, "health: %s ok in %dms", tgt.ID, health.LatencyMS)
		}
	}
}

// loadTargets reads and validates the YAML target list.
func loadTargets(path string) ([]*target.Target, error) {
	if path == "" {
		return nil, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var targets []*target.Target
	if err := yaml.Unmarshal(buf, &targets); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}
	for _, tgt := range targets {
		if err := tgt.Validate(); err != nil {
			return nil, err
		}
	}
	return targets, nil
}
