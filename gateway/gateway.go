// Copyright 2021 The paragate Authors
// This file is part of the paragate library.
//
// The paragate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The paragate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the paragate library. If not, see <http://www.gnu.org/licenses/>.

// Package gateway assembles the whole stack into one supervised lifecycle:
// the message bus, the audit ledger, one chain backend and parachain worker
// per offered network, the deposit address allocator, and the three gated
// worker groups (ingot caster, deposit server, withdrawal ingestor) plus the
// watchdog patrolling them all.
//
// Startup is ordered the way the money flows. Parachains come up first and
// must cache at least one block per network before anything that reads them
// is allowed to start; the worker groups then launch staggered so their
// first bus writes do not pile onto one another. A second gateway on the
// same datadir is refused by file lock.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/paragate/paragate/allocator"
	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/chain"
	"github.com/paragate/paragate/chain/eosio"
	"github.com/paragate/paragate/chain/ltcbtc"
	"github.com/paragate/paragate/chain/ripple"
	"github.com/paragate/paragate/chain/xyz"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/deposit"
	"github.com/paragate/paragate/graphene"
	"github.com/paragate/paragate/ingest"
	"github.com/paragate/paragate/ingot"
	"github.com/paragate/paragate/listener"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/metrics"
	"github.com/paragate/paragate/parachain"
	"github.com/paragate/paragate/pipe"
	"github.com/paragate/paragate/watchdog"
)

var (
	// ErrDatadirUsed means another gateway instance holds the datadir lock.
	ErrDatadirUsed = errors.New("datadir already used")

	// ErrGatewayRunning is returned by Start on a started gateway.
	ErrGatewayRunning = errors.New("gateway already running")

	// ErrGatewayStopped is returned by Stop on a gateway that is not up.
	ErrGatewayStopped = errors.New("gateway not running")
)

const (
	// lockFile guards the datadir. Two gateways sharing one bus would race
	// each other's address locks and double-issue on every deposit.
	lockFile = "LOCK"

	// confirmBudget bounds how long boot waits for every parachain to cache
	// its first block. A network whose node stays unreachable fails startup
	// rather than run a gateway that cannot see deposits on that chain.
	confirmBudget = 60 * time.Second

	// confirmEvery is the cache poll cadence during the confirm wait.
	confirmEvery = 250 * time.Millisecond

	// spawnStagger separates the worker group launches so their first bus
	// writes and chronicle inserts do not contend.
	spawnStagger = 200 * time.Millisecond
)

// Gateway owns every long-lived component of a running gateway. The zero
// value is not usable; construct with New and drive with Start and Stop.
type Gateway struct {
	cfg     *config.Config
	datadir string

	mu       sync.Mutex
	instance *flock.Flock
	bus      *pipe.Bus
	ledger   *audit.Ledger
	wallet   *graphene.Wallet
	chains   map[string]chain.Backend

	deposits *deposit.Server
	exporter *metrics.Exporter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   chan struct{}

	log log.Logger
}

// New prepares a gateway over the given datadir. Nothing is dialed and no
// lock is taken until Start.
func New(cfg *config.Config, datadir string) *Gateway {
	return &Gateway{
		cfg:     cfg,
		datadir: datadir,
		log:     log.New("module", "gateway"),
	}
}

// Start brings the full stack up. On any failure the components already
// running are torn back down and the datadir lock is released, so a failed
// Start leaves nothing behind but the bus documents it seeded.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bus != nil {
		return ErrGatewayRunning
	}
	if err := g.boot(); err != nil {
		g.halt()
		return err
	}
	g.stop = make(chan struct{})
	return nil
}

// Stop tears the stack down in reverse boot order and releases the datadir.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bus == nil {
		return ErrGatewayStopped
	}
	g.halt()
	close(g.stop)
	g.log.Info("gateway stopped")
	return nil
}

// Wait blocks until the gateway is stopped. It returns immediately if the
// gateway is not running.
func (g *Gateway) Wait() {
	g.mu.Lock()
	if g.bus == nil {
		g.mu.Unlock()
		return
	}
	stop := g.stop
	g.mu.Unlock()

	<-stop
}

// Bus exposes the message bus of a running gateway, or nil. Tools layered on
// a live instance (rehearsal deposits on the paper chain, state inspection)
// read through it.
func (g *Gateway) Bus() *pipe.Bus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bus
}

// DepositAddr returns the bound address of the deposit endpoint, or "" when
// the deposit group is disabled or the gateway is down.
func (g *Gateway) DepositAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deposits == nil {
		return ""
	}
	return g.deposits.Addr()
}

// MetricsAddr returns the bound address of the metrics listener, or "".
func (g *Gateway) MetricsAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exporter == nil {
		return ""
	}
	return g.exporter.Addr()
}

// boot claims the datadir and starts every component in dependency order,
// recording each on the struct as it comes up so halt can unwind a partial
// boot. Callers hold g.mu.
func (g *Gateway) boot() error {
	if err := os.MkdirAll(g.datadir, 0700); err != nil {
		return err
	}
	lock := flock.New(filepath.Join(g.datadir, lockFile))
	held, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !held {
		return ErrDatadirUsed
	}
	g.instance = lock

	bus := pipe.New(g.datadir)
	if err := bus.Initialize(); err != nil {
		return err
	}
	g.bus = bus

	auditCfg := g.cfg.Audit
	if auditCfg.DBPath == "" {
		auditCfg.DBPath = filepath.Join(g.datadir, "audit.db")
	}
	ledger, err := audit.New(bus, auditCfg)
	if err != nil {
		return err
	}
	g.ledger = ledger

	session := audit.NewSession()
	for _, network := range g.cfg.Offerings {
		ledger.Note(audit.Header{
			Process: "main",
			Network: network,
			Session: session,
		}, "initializing gateway main")
	}

	chains, err := Dial(g.cfg, bus)
	if err != nil {
		return err
	}
	g.chains = chains
	g.wallet = graphene.NewWallet(g.cfg.Nodes.Wallet)

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	// Parachains first; every matcher and the ingot caster read their
	// caches instead of hitting the foreign nodes directly.
	heart := watchdog.NewHeart(bus, "parachains")
	workers := make(map[string]*parachain.Worker, len(chains))
	for _, network := range g.cfg.Offerings {
		w := parachain.New(chains[network], bus, ledger, session, g.cfg.ParachainOf(network), heart.Beat)
		if err := w.Scrub(); err != nil {
			return err
		}
		workers[network] = w
		g.spawn("parachain:"+network, func() error { return w.Run(ctx) })
	}

	// Every inbound address starts the session available.
	alloc := allocator.New(bus, g.cfg)
	for _, network := range g.cfg.Offerings {
		if err := alloc.Initialize(network); err != nil {
			return err
		}
	}

	if err := g.confirm(bus); err != nil {
		return err
	}

	dog := watchdog.New(g.cfg, bus, ledger, session)
	g.spawn("watchdog", func() error { dog.Run(ctx); return nil })

	exporter := metrics.New(g.cfg, bus)
	if err := exporter.Start(); err != nil {
		return err
	}
	g.exporter = exporter

	ticks := make(map[string]listener.TickSource, len(workers))
	for network, w := range workers {
		ticks[network] = w
	}

	if g.cfg.Processes.Ingots {
		caster := ingot.New(g.cfg, bus, ledger, session, chains, watchdog.NewHeart(bus, "ingots"))
		g.spawn("ingots", func() error { caster.Run(ctx); return nil })
		time.Sleep(spawnStagger)
	}
	if g.cfg.Processes.Deposits {
		server := deposit.NewServer(g.cfg, session, deposit.Backends{
			Bus:    bus,
			Ledger: ledger,
			Issuer: g.wallet,
			Alloc:  alloc,
			Reg:    listener.NewRegistry(),
			Ticks:  ticks,
			Beat:   watchdog.NewHeart(bus, "deposits").Beat,
		})
		if err := server.Start(ctx); err != nil {
			return err
		}
		g.deposits = server
		time.Sleep(spawnStagger)
	}
	if g.cfg.Processes.Withdrawals {
		dispatcher := ingest.NewDispatcher(g.cfg, bus, ledger, session, g.wallet, chains, ticks)
		ingestor, err := ingest.New(g.cfg, bus, ledger, session, dispatcher, watchdog.NewHeart(bus, "withdrawals").Beat)
		if err != nil {
			return err
		}
		g.spawn("withdrawals", func() error { return ingestor.Run(ctx) })
	}

	g.log.Info("gateway is up",
		"networks", strings.Join(g.cfg.Offerings, ","),
		"datadir", g.datadir,
		"deposits", g.cfg.Processes.Deposits,
		"withdrawals", g.cfg.Processes.Withdrawals,
		"ingots", g.cfg.Processes.Ingots)
	return nil
}

// Dial builds one chain backend per offered network over the given bus.
// Construction only parses and stores endpoints; nothing talks to a node
// until a worker runs.
func Dial(cfg *config.Config, bus *pipe.Bus) (map[string]chain.Backend, error) {
	backends := make(map[string]chain.Backend, len(cfg.Offerings))
	for _, network := range cfg.Offerings {
		switch network {
		case config.Bitcoin:
			b, err := ltcbtc.New(network, cfg.Nodes.Bitcoin)
			if err != nil {
				return nil, err
			}
			backends[network] = b
		case config.Litecoin:
			b, err := ltcbtc.New(network, cfg.Nodes.Litecoin)
			if err != nil {
				return nil, err
			}
			backends[network] = b
		case config.Ripple:
			backends[network] = ripple.New(cfg.Nodes.Ripple)
		case config.EOSIO:
			backends[network] = eosio.New(cfg.Nodes.EOSIO, cfg.Nodes.EOSIOSigner)
		case config.XYZ:
			backends[network] = xyz.New(bus)
		default:
			return nil, fmt.Errorf("gateway: no backend for network %q", network)
		}
	}
	return backends, nil
}

// confirm waits until every parachain has cached at least one block. The
// workers seed their caches one block behind head on startup, so on healthy
// nodes this returns within a poll or two.
func (g *Gateway) confirm(bus *pipe.Bus) error {
	deadline := time.Now().Add(confirmBudget)
	for _, network := range g.cfg.Offerings {
		doc := parachain.Doc(network)
		for {
			var cache parachain.Cache
			err := bus.Read(doc, &cache)
			if err != nil && !errors.Is(err, pipe.ErrNoDocument) {
				return err
			}
			if err == nil {
				if head := cache.MaxBlock(); head > 0 {
					g.log.Info("parachain online", "network", network, "block", head)
					break
				}
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("gateway: %s parachain failed to initialize", network)
			}
			time.Sleep(confirmEvery)
		}
	}
	return nil
}

// spawn runs one worker goroutine, joined by halt. Workers exit silently on
// cancel; any other exit is a defect loud enough for the log.
func (g *Gateway) spawn(name string, run func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error("worker exited", "worker", name, "err", err)
		}
	}()
}

// halt unwinds whatever boot managed to start, in reverse order, and nils
// the fields so the gateway can be started again. Callers hold g.mu.
func (g *Gateway) halt() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.deposits != nil {
		if err := g.deposits.Stop(); err != nil {
			g.log.Warn("deposit server stop", "err", err)
		}
		g.deposits = nil
	}
	if g.exporter != nil {
		if err := g.exporter.Stop(); err != nil {
			g.log.Warn("metrics exporter stop", "err", err)
		}
		g.exporter = nil
	}
	g.wg.Wait()
	if g.ledger != nil {
		if err := g.ledger.Close(); err != nil {
			g.log.Warn("audit ledger close", "err", err)
		}
		g.ledger = nil
	}
	if g.instance != nil {
		if err := g.instance.Unlock(); err != nil {
			g.log.Warn("datadir unlock", "err", err)
		}
		g.instance = nil
	}
	g.bus = nil
	g.wallet = nil
	g.chains = nil
}
