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

// Package config holds the operator-editable gateway configuration: the
// offered networks, issuer key material, foreign-chain address pools, timing
// laws and node endpoints. Values are compiled defaults overlaid by a TOML
// file; accessors hand out copies so no caller can mutate shared state.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Networks with special treatment. Deposits on memo-based networks share the
// index-0 account and are disambiguated by memo; pooled networks rotate
// through the whole account list.
const (
	Bitcoin  = "btc"
	Litecoin = "ltc"
	Ripple   = "xrp"
	EOSIO    = "eos"
	XYZ      = "xyz" // synthetic test network
)

// MemoBased reports whether deposits on the network are disambiguated by a
// per-event memo rather than by a dedicated address.
func MemoBased(network string) bool {
	switch network {
	case Ripple, EOSIO, XYZ:
		return true
	}
	return false
}

// GatewayAsset describes one user-issued asset and its issuer key material.
type GatewayAsset struct {
	AssetID        string `toml:"asset_id"`        // 1.3.x object id of the UIA
	DynamicID      string `toml:"dynamic_id"`      // 2.3.x dynamic data id
	AssetName      string `toml:"asset_name"`      // e.g. "GATEWAY.BTC"
	AssetPrecision int    `toml:"asset_precision"` // graphene integer exponent
	IssuerID       string `toml:"issuer_id"`       // 1.2.x account id
	IssuerPublic   string `toml:"issuer_public"`
	IssuerPrivate  string `toml:"issuer_private"` // active key WIF
}

// KeyPair is one foreign-chain account in a gateway pool. Index zero is the
// outbound hot wallet; higher indices receive deposits.
type KeyPair struct {
	Public  string `toml:"public"`
	Private string `toml:"private"`
}

// NetworkTiming groups the per-network wait laws, in seconds.
type NetworkTiming struct {
	PauseSec    int `toml:"pause"`    // post-event address cool-down
	TimeoutSec  int `toml:"timeout"`  // matcher listening window
	RequestSec  int `toml:"request"`  // bound on the deposit-response arming wait
	EstimateSec int `toml:"estimate"` // human confirmation estimate shown to clients
}

// ParachainParams tunes one network's parachain worker.
type ParachainParams struct {
	PauseSec int `toml:"pause"`  // poll cadence between head checks
	Window   int `toml:"window"` // retained block count
}

// ProcessFlags individually enables the gateway worker groups.
type ProcessFlags struct {
	Deposits    bool `toml:"deposits"`
	Withdrawals bool `toml:"withdrawals"`
	Ingots      bool `toml:"ingots"`
}

// ServerConfig configures the client-facing deposit endpoint.
type ServerConfig struct {
	URL   string `toml:"url"`   // advertised base URL
	Host  string `toml:"host"`  // bind address
	Port  int    `toml:"port"`
	Route string `toml:"route"` // path component, e.g. "gateway"

	RateLimit float64 `toml:"rate_limit"` // sustained requests per second, 0 disables
	RateBurst int     `toml:"rate_burst"` // momentary burst allowance
}

// IssuingChain identifies the host ledger.
type IssuingChain struct {
	Prefix  string `toml:"prefix"`   // address prefix, e.g. "BTS"
	ChainID string `toml:"chain_id"` // genesis hash
}

// NodeConfig lists the remote endpoints per chain.
type NodeConfig struct {
	Graphene    []string `toml:"graphene"`     // host-ledger websocket endpoints
	Wallet      string   `toml:"wallet"`       // host-ledger wallet daemon holding the issuer keys
	EOSIO       string   `toml:"eosio"`        // chain API base URL
	EOSIOSigner string   `toml:"eosio_signer"` // keosd wallet API holding the gateway keys
	Ripple      string   `toml:"ripple"`       // rippled JSON-RPC URL
	Bitcoin     string   `toml:"bitcoin"`      // bitcoind RPC URL incl. credentials
	Litecoin    string   `toml:"litecoin"`     // litecoind RPC URL incl. credentials
}

// WatchdogConfig tunes the liveness supervisor.
type WatchdogConfig struct {
	StaleSec  int `toml:"stale"`  // seconds of silence before a worker is flagged
	RepeatSec int `toml:"repeat"` // re-alert interval for a worker already flagged dead
}

// AuditConfig configures the relational audit store and its optional
// streaming mirror.
type AuditConfig struct {
	DBPath string      `toml:"db_path"` // sqlite file, defaults under datadir
	Kafka  KafkaConfig `toml:"kafka"`
}

// KafkaConfig configures the optional chronicle mirror to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config is the gateway configuration tree.
type Config struct {
	Offerings []string     `toml:"offerings"`
	Processes ProcessFlags `toml:"processes"`
	Contact   string       `toml:"contact"`

	Server       ServerConfig   `toml:"server"`
	IssuingChain IssuingChain   `toml:"issuing_chain"`
	Nodes        NodeConfig     `toml:"nodes"`
	Watchdog     WatchdogConfig `toml:"watchdog"`
	Audit        AuditConfig    `toml:"audit"`
	Metrics      MetricsConfig  `toml:"metrics"`

	IngotsSec int `toml:"ingots"` // consolidation sweep cadence, seconds

	Assets          map[string]GatewayAsset    `toml:"assets"`
	ForeignAccounts map[string][]KeyPair       `toml:"foreign_accounts"`
	Timing          map[string]NetworkTiming   `toml:"timing"`
	NilAmounts      map[string]float64         `toml:"nil_amounts"`
	MaxUnspent      map[string]int             `toml:"max_unspent"`
	Parachains      map[string]ParachainParams `toml:"parachains"`
}

// Load reads the TOML file at path over the compiled defaults and validates
// the result. An empty path returns the plain defaults.
func Load(path string) (*Config, error) {
	cfg, err := Overlay(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overlay reads the TOML file at path over the compiled defaults without
// validating the result. Bootstrap tooling needs it: minting the first key
// pool has to work while the config still fails validation.
func Overlay(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return cfg, nil
}

// Check validates internal consistency: every offered network must carry an
// asset, an account pool, timing laws and a dust threshold.
func (c *Config) Check() error {
	if len(c.Offerings) == 0 {
		return fmt.Errorf("config: no offerings enabled")
	}
	for _, network := range c.Offerings {
		if network != strings.ToLower(network) {
			return fmt.Errorf("config: offering %q must be lowercase", network)
		}
		if _, ok := c.Assets[network]; !ok {
			return fmt.Errorf("config: offering %q has no gateway asset", network)
		}
		if len(c.ForeignAccounts[network]) == 0 {
			return fmt.Errorf("config: offering %q has no foreign accounts", network)
		}
		if _, ok := c.Timing[network]; !ok {
			return fmt.Errorf("config: offering %q has no timing", network)
		}
		if _, ok := c.NilAmounts[network]; !ok {
			return fmt.Errorf("config: offering %q has no nil amount", network)
		}
		if _, ok := c.Parachains[network]; !ok {
			return fmt.Errorf("config: offering %q has no parachain params", network)
		}
	}
	if len(c.Nodes.Graphene) == 0 {
		return fmt.Errorf("config: no host-ledger nodes")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	return nil
}

// Offers reports whether the network is enabled.
func (c *Config) Offers(network string) bool {
	for _, n := range c.Offerings {
		if n == network {
			return true
		}
	}
	return false
}

// OfferedNetworks returns a copy of the enabled network list.
func (c *Config) OfferedNetworks() []string {
	out := make([]string, len(c.Offerings))
	copy(out, c.Offerings)
	return out
}

// Asset returns the gateway asset of a network.
func (c *Config) Asset(network string) (GatewayAsset, bool) {
	a, ok := c.Assets[network]
	return a, ok
}

// AssetByName resolves a UIA symbol (e.g. "GATEWAY.BTC") to its network and
// asset record. Matching is case-insensitive on the symbol and covers every
// configured asset; callers deciding whether to serve the network consult
// Offers separately, since "unknown asset" and "gateway down" are different
// answers to a client.
func (c *Config) AssetByName(uia string) (string, GatewayAsset, bool) {
	for network, a := range c.Assets {
		if strings.EqualFold(a.AssetName, uia) {
			return network, a, true
		}
	}
	return "", GatewayAsset{}, false
}

// AssetByID resolves a host-ledger asset id (1.3.x) to its network and asset
// record, covering every configured asset.
func (c *Config) AssetByID(id string) (string, GatewayAsset, bool) {
	for network, a := range c.Assets {
		if a.AssetID == id {
			return network, a, true
		}
	}
	return "", GatewayAsset{}, false
}

// IssuerIDs returns the host-ledger account ids receiving UIA returns, one
// per offered network.
func (c *Config) IssuerIDs() []string {
	var ids []string
	for _, network := range c.Offerings {
		ids = append(ids, c.Assets[network].IssuerID)
	}
	return ids
}

// Accounts returns a copy of the foreign-chain account pool of a network.
func (c *Config) Accounts(network string) []KeyPair {
	pool := c.ForeignAccounts[network]
	out := make([]KeyPair, len(pool))
	copy(out, pool)
	return out
}

// TimingOf returns the wait laws of a network.
func (c *Config) TimingOf(network string) NetworkTiming {
	return c.Timing[network]
}

// NilAmount returns the dust threshold of a network. Inbound transfers at or
// below it are chronicled and otherwise ignored.
func (c *Config) NilAmount(network string) float64 {
	return c.NilAmounts[network]
}

// ParachainOf returns the parachain worker tuning of a network.
func (c *Config) ParachainOf(network string) ParachainParams {
	return c.Parachains[network]
}

// MaxUnspentOf returns the unspent-output count above which a UTXO network's
// pool is consolidated. Zero means the network is never consolidated.
func (c *Config) MaxUnspentOf(network string) int {
	return c.MaxUnspent[network]
}
