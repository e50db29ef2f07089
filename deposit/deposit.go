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

// Package deposit serves the public deposit endpoint. A wallet asks for a
// deposit address on behalf of its user; the server allocates one, arms an
// issue matcher over it and answers with the address, the required memo on
// memo-based networks, and human instructions. Refusals travel in the body
// with HTTP 200: wallet integrations distinguish transport failures from
// gateway refusals by the "response" field.
package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/paragate/paragate/allocator"
	"github.com/paragate/paragate/audit"
	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/listener"
	"github.com/paragate/paragate/log"
	"github.com/paragate/paragate/memo"
	"github.com/paragate/paragate/pipe"
)

// counterDoc persists the deposit event counter across restarts.
const counterDoc = "deposit_id"

// armWait bounds how long a request blocks on its matcher arming when the
// network timing does not say otherwise.
const armWait = 500 * time.Millisecond

// HTTP timeouts for the public listener.
const (
	readTimeout  = 30 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 120 * time.Second
)

// Backends carries the shared gateway services the deposit server drives.
type Backends struct {
	Bus    *pipe.Bus
	Ledger *audit.Ledger
	Issuer listener.Issuer
	Alloc  *allocator.Allocator
	Reg    *listener.Registry

	// Ticks supplies the per-network parachain feeds so freshly armed
	// matchers wake on cache advances instead of sleeping a full poll.
	Ticks map[string]listener.TickSource

	// Beat is invoked periodically while the server is up, for liveness
	// supervision. May be nil.
	Beat func()
}

// Response is the deposit endpoint's reply.
type Response struct {
	Response       string `json:"response"`
	ServerTime     int64  `json:"server_time"`
	DepositAddress string `json:"deposit_address,omitempty"`
	GatewayTimeout string `json:"gateway_timeout,omitempty"`
	Memo           string `json:"memo,omitempty"`
	Msg            string `json:"msg"`
	Contact        string `json:"contact"`
}

// Server is the deposit request handler plus its HTTP plumbing.
type Server struct {
	cfg     *config.Config
	session audit.Session
	b       Backends

	srv     *http.Server
	ln      net.Listener
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	log log.Logger
}

// NewServer returns an unstarted deposit server.
func NewServer(cfg *config.Config, session audit.Session, b Backends) *Server {
	return &Server{
		cfg:     cfg,
		session: session,
		b:       b,
		log:     log.New("module", "deposit"),
	}
}

// Start binds the public listener and begins serving. The ctx bounds the
// lifetime of every matcher the server arms.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+s.cfg.Server.Route, s.handleDeposit)

	handler := newCorsHandler(mux)
	if s.cfg.Server.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.Server.RateLimit), s.cfg.Server.RateBurst)
		handler = s.throttle(handler)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port))
	if err != nil {
		return err
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.srv = &http.Server{
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	go s.srv.Serve(ln)
	if s.b.Beat != nil {
		go s.pulse()
	}

	s.log.Info("deposit server started", "endpoint", fmt.Sprintf("http://%s/%s", ln.Addr(), s.cfg.Server.Route))
	return nil
}

// pulse beats the liveness mark while the server context lives. The handler
// path stays beat-free so a request burst cannot mask a wedged accept loop.
func (s *Server) pulse() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	s.b.Beat()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.b.Beat()
		}
	}
}

// Stop closes the listener and abandons the armed matchers; locked addresses
// are re-initialized on the next boot.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.log.Info("deposit server stopped")
	return err
}

// Addr reports the bound listener address, for tests and startup banners.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func newCorsHandler(srv http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         600,
	})
	return c.Handler(srv)
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleDeposit runs one deposit request end to end: label the event, vet
// the parameters, lock an address, arm a matcher, answer the wallet.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nonce := time.Now().UnixMicro()
	id, err := s.b.Bus.NextID(counterDoc)
	if err != nil {
		s.log.Error("deposit counter failed", "err", err)
		s.refuse(w, nonce, "oops! the gateway could not process your request, please try again later")
		return
	}

	rec := audit.Deposit{
		Header:    audit.Header{Session: s.session},
		ReqParams: r.URL.RawQuery,
		Nonce:     nonce,
		EventID:   memo.EventID("D", id),
	}
	s.b.Ledger.Deposit(rec, "received deposit request")
	s.log.Info("deposit request received", "event", rec.EventID, "params", r.URL.RawQuery)

	clientID := r.URL.Query().Get("client_id")
	uia := r.URL.Query().Get("uia_name")
	rec.ClientID = clientID
	rec.UIA = uia
	if clientID == "" || uia == "" {
		s.b.Ledger.Deposit(rec, "invalid request")
		s.refuse(w, nonce, "oops! invalid request, please provide client_id and uia_name")
		return
	}

	network, asset, known := s.cfg.AssetByName(uia)
	if !known {
		s.b.Ledger.Deposit(rec, "invalid request")
		s.refuse(w, nonce, fmt.Sprintf("oops! %s is not a known gateway asset", strings.ToUpper(uia)))
		return
	}
	rec.Network = network
	if !s.cfg.Offers(network) {
		s.b.Ledger.Deposit(rec, fmt.Sprintf("%s not listed in offerings", strings.ToUpper(uia)))
		s.refuse(w, nonce, fmt.Sprintf("oops! %s gateway is currently down for maintenance, please try again later", strings.ToUpper(uia)))
		return
	}

	// Memo-based networks share the hot address and tell clients apart by
	// memo; everything else draws an address from the pool.
	idx := 0
	if !config.MemoBased(network) {
		locked, free, err := s.b.Alloc.Lock(network)
		if err != nil || !free {
			if err != nil {
				s.log.Error("address lock failed", "network", network, "err", err)
			}
			s.b.Ledger.Deposit(rec, fmt.Sprintf("%s gateway overloaded", strings.ToUpper(uia)))
			s.refuse(w, nonce, fmt.Sprintf("oops! all %s gateway addresses are in use, please try again later", strings.ToUpper(uia)))
			return
		}
		idx = locked
	}
	pool := s.cfg.Accounts(network)
	if idx >= len(pool) {
		s.b.Alloc.Unlock(network, idx, 0)
		s.log.Error("address pool misconfigured", "network", network, "idx", idx, "pool", len(pool))
		s.refuse(w, nonce, "oops! the gateway could not process your request, please try again later")
		return
	}
	depositAddress := pool[idx].Public
	required := memo.Encode(network, memo.Seed())

	rec.AccountIdx = idx
	rec.RequiredMemo = required
	rec.DepositAddress = depositAddress

	timing := s.cfg.TimingOf(network)
	envelope := rec
	m, err := listener.New(listener.Config{
		Network:     network,
		ListeningTo: depositAddress,
		Memo:        required,
		Action:      listener.Issue,
		AccountIdx:  idx,
		Timeout:     time.Duration(timing.TimeoutSec) * time.Second,
		PollEvery:   time.Duration(s.cfg.ParachainOf(network).PauseSec) * time.Second,
		UnlockAfter: time.Duration(timing.PauseSec) * time.Second,
		UIA:         asset.AssetName,
		Precision:   asset.AssetPrecision,
		ClientID:    clientID,
		Nil:         s.cfg.NilAmount(network),
		Deposit:     &envelope,
		Ticks:       s.b.Ticks[network],
	}, s.b.Bus, s.b.Issuer, s.b.Ledger, s.b.Alloc, s.b.Reg)
	if err != nil {
		s.b.Alloc.Unlock(network, idx, 0)
		if errors.Is(err, listener.ErrDuplicate) {
			s.b.Ledger.Deposit(rec, "duplicate deposit request")
			s.refuse(w, nonce, "oops! an identical deposit request is already in progress, please try again in a moment")
			return
		}
		s.log.Error("matcher rejected", "err", err)
		s.refuse(w, nonce, "oops! the gateway could not process your request, please try again later")
		return
	}
	go m.Run(s.ctx)
	s.b.Ledger.Deposit(rec, "listener process started")
	s.log.Info("starting issue listener", "network", network, "client", clientID, "address", depositAddress, "idx", idx)

	// Hold the response until the matcher fixes its scan horizon so a
	// transfer sent the instant the wallet sees the address cannot slip
	// past it.
	wait := time.Duration(timing.RequestSec) * time.Second
	if wait <= 0 {
		wait = armWait
	}
	select {
	case <-m.Armed():
	case <-time.After(wait):
		s.log.Warn("matcher slow to arm", "event", rec.EventID)
	}

	resp := Response{
		Response:       "success",
		ServerTime:     nonce,
		DepositAddress: depositAddress,
		GatewayTimeout: fmt.Sprintf("%d MINUTES", timing.TimeoutSec/60),
		Msg: fmt.Sprintf(
			"Welcome %s, please deposit your gateway issued %s asset, "+
				"to the %s gateway 'deposit_address' in this response. "+
				"Make ONE transfer to this address, within the 'gateway_timeout' specified. "+
				"Transactions on this network take about %d minutes to confirm.",
			clientID, strings.ToUpper(network), strings.ToUpper(uia), timing.EstimateSec/60),
		Contact: s.cfg.Contact,
	}
	if config.MemoBased(network) {
		resp.Memo = required
		resp.Msg += fmt.Sprintf(
			"\n\n*ALERT*: %s deposits must include the *MEMO* provided in this response!!!",
			strings.ToUpper(network))
	}
	s.reply(w, resp)
}

func (s *Server) refuse(w http.ResponseWriter, nonce int64, msg string) {
	s.reply(w, Response{
		Response:   "error",
		ServerTime: nonce,
		Msg:        msg,
		Contact:    s.cfg.Contact,
	})
}

func (s *Server) reply(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("response write failed", "err", err)
	}
}
