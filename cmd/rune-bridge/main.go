// Command rune-bridge runs the Rune<->ERC-20 bridge variant: rune
// transfers to a deterministic transit address are confirmed and
// cross-checked against an indexer's per-rune balances before minting on a
// destination EVM chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nexusbridge/bridge-core/bridge"
	"github.com/nexusbridge/bridge-core/collector"
	"github.com/nexusbridge/bridge-core/config"
	"github.com/nexusbridge/bridge-core/evmiface"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/ops"
	"github.com/nexusbridge/bridge-core/opstore"
	"github.com/nexusbridge/bridge-core/scheduler"
	"github.com/nexusbridge/bridge-core/services"
)

type callbackProxy struct {
	coordinator *bridge.RuneCoordinator
}

func (p *callbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *callbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

// newActualAmounts adapts an evmiface.IndexProvider (a Rune indexer client,
// not shipped with this module) to the full-balance-map shape the
// coordinator confirms deposits against.
func newActualAmounts(provider evmiface.IndexProvider) bridge.RuneActualAmounts {
	return func(ctx context.Context, transitAddress string) (map[string]*big.Int, error) {
		if provider == nil {
			return nil, fmt.Errorf("rune-bridge: no IndexProvider wired for address %s", transitAddress)
		}
		return provider.GetAmounts(ctx, transitAddress)
	}
}

func main() {
	confPath := flag.String("config", "config.toml", "path to TOML configuration")
	storeDir := flag.String("store-dir", ".", "directory holding the operation store and scheduler databases")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		panic(err)
	}

	signer := buildSigner(conf)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	evmClient, err := evmiface.DialEthRPC(ctx, conf.EvmLink.RPC)
	if err != nil {
		panic(err)
	}

	store, err := opstore.Open(*storeDir+"/opstore.sqlite3", ops.Codec{}, conf.OperationStore.MaxOperationsCount)
	if err != nil {
		panic(err)
	}
	sched, err := scheduler.Open(*storeDir + "/scheduler.sqlite3")
	if err != nil {
		panic(err)
	}

	chainID := uint64(conf.EvmLink.ChainID)
	clients := map[uint64]evmiface.EVMClient{chainID: evmClient}
	bridgeContract := common.HexToAddress(conf.BridgeContractAddress)
	contracts := map[uint64]common.Address{chainID: bridgeContract}

	pipeline := services.NewPipeline()
	evmParams := services.NewRefreshEvmParams(clients, func() common.Address { return crypto.PubkeyToAddress(*signer.PublicKey()) })
	pipeline.Register(evmParams)

	proxy := &callbackProxy{}
	signMint := services.NewSignMintOrders(signer, proxy)
	sendMint := services.NewSendMintTransaction(clients, contracts, evmParams, signer, proxy)
	pipeline.Register(signMint)
	pipeline.Register(sendMint)

	// A Bitcoin block-tip source is a deployment concern: this binary has
	// no concrete Bitcoin RPC client, only the EVM one dialed above.
	blockTip := func(ctx context.Context) (uint64, error) {
		return 0, fmt.Errorf("rune-bridge: no Bitcoin block-tip source wired")
	}

	coordinator := bridge.NewRuneCoordinator(store, sched, signMint, sendMint, blockTip,
		newActualAmounts(nil), bridgeContract, uint32(conf.EvmLink.ChainID))
	proxy.coordinator = coordinator

	mintCollector := collector.New(evmClient, bridgeContract, coordinator.Dispatcher())
	fetchEvents := services.NewFetchBridgeEvents([]services.ChainCollector{
		{ChainID: chainID, Collector: mintCollector, BlockNumber: evmClient.BlockNumber, MinConfirmations: conf.MinConfirmations},
	}, nil)
	pipeline.Register(fetchEvents)

	runtime := bridge.NewRuntime(store, sched, pipeline)
	defer runtime.Close()

	logger.Printf("rune-bridge: booted, destination chain %d", conf.EvmLink.ChainID)
	if err := runtime.Run(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
		panic(err)
	}
}

func buildSigner(conf *config.Configuration) mintorder.Signer {
	switch conf.SigningStrategy.Kind {
	case "local_key":
		hexKey := os.Getenv("BRIDGE_LOCAL_KEY_HEX")
		if hexKey == "" {
			panic("rune-bridge: BRIDGE_LOCAL_KEY_HEX must be set for signing_strategy=local_key")
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			panic(err)
		}
		return mintorder.NewLocalKeySigner(key)
	case "managed_ecdsa":
		panic("rune-bridge: managed_ecdsa wiring must be supplied by the deployment; see mintorder.NewManagedSigner")
	default:
		panic("rune-bridge: unknown signing_strategy.kind " + conf.SigningStrategy.Kind)
	}
}
