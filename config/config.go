// Package config loads a bridge instance's TOML configuration by decoding
// a single Configuration struct with github.com/pelletier/go-toml at
// startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// SigningStrategy selects which mintorder.Signer backend a bridge instance
// constructs at boot.
type SigningStrategy struct {
	Kind  string `toml:"kind"` // "local_key" | "managed_ecdsa"
	KeyID string `toml:"key_id,omitempty"`
}

// EvmLink describes one EVM endpoint a bridge instance talks to.
type EvmLink struct {
	RPC     string `toml:"rpc"`
	ChainID uint32 `toml:"chain_id"`
}

// OperationStoreConfig bounds the Operation Store's log table.
type OperationStoreConfig struct {
	MaxOperationsCount uint64 `toml:"max_operations_count"`
	CacheSize          uint64 `toml:"cache_size"`
}

// LogSettings configures github.com/MixinNetwork/mixin/logger's verbosity.
type LogSettings struct {
	Verbose bool `toml:"verbose"`
}

// Configuration is everything a bridge instance needs to boot.
type Configuration struct {
	EvmLink                   EvmLink              `toml:"evm_link"`
	SecondEvmLink              *EvmLink             `toml:"second_evm_link,omitempty"` // ERC-20<->ERC-20 bridges only
	SigningStrategy            SigningStrategy      `toml:"signing_strategy"`
	Admin                      string               `toml:"admin"`
	Erc20ChainID               uint32               `toml:"erc20_chain_id"`
	BridgeContractAddress      string               `toml:"bridge_contract_address"`
	MinConfirmations           uint64               `toml:"min_confirmations"`
	IndexerURLs                []string             `toml:"indexer_urls"`
	IndexerConsensusThreshold  uint32               `toml:"indexer_consensus_threshold"`
	DepositFeeSats             int64                `toml:"deposit_fee_sats"`
	MempoolTimeout             time.Duration        `toml:"mempool_timeout"`
	OperationStore              OperationStoreConfig `toml:"operation_store"`
	LogSettings                 LogSettings          `toml:"log_settings"`
}

// Load decodes a TOML file at path into a Configuration.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load(%s) => %w", path, err)
	}
	var conf Configuration
	if err := toml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("config.Load(%s) => %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load(%s): %w", path, err)
	}
	return &conf, nil
}

// Validate enforces the startup invariants: indexer URLs must be HTTPS,
// the consensus threshold must be satisfiable, and a managed_ecdsa signing
// strategy must name a key.
func (c *Configuration) Validate() error {
	for _, u := range c.IndexerURLs {
		if !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%w: indexer url %q is not HTTPS", ErrInitialization, u)
		}
	}
	if int(c.IndexerConsensusThreshold) > len(c.IndexerURLs) && len(c.IndexerURLs) > 0 {
		return fmt.Errorf("%w: indexer_consensus_threshold %d exceeds %d configured indexers", ErrInitialization, c.IndexerConsensusThreshold, len(c.IndexerURLs))
	}
	switch c.SigningStrategy.Kind {
	case "local_key":
	case "managed_ecdsa":
		if c.SigningStrategy.KeyID == "" {
			return fmt.Errorf("%w: managed_ecdsa signing strategy requires key_id", ErrInitialization)
		}
	default:
		return fmt.Errorf("%w: unknown signing_strategy %q", ErrInitialization, c.SigningStrategy.Kind)
	}
	return nil
}
