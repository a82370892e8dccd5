package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, `
admin = "0xadmin"
erc20_chain_id = 8453
bridge_contract_address = "0xbridge"
min_confirmations = 6
indexer_urls = ["https://indexer.example"]
indexer_consensus_threshold = 1
deposit_fee_sats = 1000
mempool_timeout = "30s"

[evm_link]
rpc = "https://rpc.example"
chain_id = 8453

[signing_strategy]
kind = "local_key"

[operation_store]
max_operations_count = 10000
cache_size = 256

[log_settings]
verbose = false
`)
	conf, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(8453), conf.Erc20ChainID)
	require.Equal(t, uint64(6), conf.MinConfirmations)
}

func TestLoadRejectsNonHTTPSIndexer(t *testing.T) {
	path := writeTemp(t, `
indexer_urls = ["http://insecure.example"]
[evm_link]
rpc = "https://rpc.example"
chain_id = 1
[signing_strategy]
kind = "local_key"
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInitialization)
}

func TestLoadRejectsManagedEcdsaWithoutKeyID(t *testing.T) {
	path := writeTemp(t, `
[evm_link]
rpc = "https://rpc.example"
chain_id = 1
[signing_strategy]
kind = "managed_ecdsa"
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInitialization)
}
