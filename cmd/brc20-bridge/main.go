// Command brc20-bridge runs the BRC-20<->ERC-20 bridge variant: inscription
// transfers to a deterministic transit address are confirmed and
// cross-checked against an indexer before minting on a destination EVM
// chain.
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
	coordinator *bridge.Brc20Coordinator
}

func (p *callbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *callbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

// newActualAmount adapts an evmiface.IndexProvider (a BRC-20 indexer client,
// not shipped with this module) to the single-tick lookup the coordinator
// confirms deposits against.
func newActualAmount(provider evmiface.IndexProvider) bridge.Brc20ActualAmount {
	return func(ctx context.Context, tick, transitAddress string) (*big.Int, error) {
		if provider == nil {
			return nil, fmt.Errorf("brc20-bridge: no IndexProvider wired for tick %s", tick)
		}
		amounts, err := provider.GetAmounts(ctx, transitAddress)
		if err != nil {
			return nil, err
		}
		amount, ok := amounts[tick]
		if !ok {
			return big.NewInt(0), nil
		}
		return amount, nil
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
		return 0, fmt.Errorf("brc20-bridge: no Bitcoin block-tip source wired")
	}

	coordinator := bridge.NewBrc20Coordinator(store, sched, signMint, sendMint, blockTip,
		newActualAmount(nil), bridgeContract, uint32(conf.EvmLink.ChainID))
	proxy.coordinator = coordinator

	mintCollector := collector.New(evmClient, bridgeContract, coordinator.Dispatcher())
	fetchEvents := services.NewFetchBridgeEvents([]services.ChainCollector{
		{ChainID: chainID, Collector: mintCollector, BlockNumber: evmClient.BlockNumber, MinConfirmations: conf.MinConfirmations},
	}, nil)
	pipeline.Register(fetchEvents)

	runtime := bridge.NewRuntime(store, sched, pipeline)
	defer runtime.Close()

	logger.Printf("brc20-bridge: booted, destination chain %d", conf.EvmLink.ChainID)
	if err := runtime.Run(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
		panic(err)
	}
}

func buildSigner(conf *config.Configuration) mintorder.Signer {
	switch conf.SigningStrategy.Kind {
	case "local_key":
		hexKey := os.Getenv("BRIDGE_LOCAL_KEY_HEX")
		if hexKey == "" {
			panic("brc20-bridge: BRIDGE_LOCAL_KEY_HEX must be set for signing_strategy=local_key")
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			panic(err)
		}
		return mintorder.NewLocalKeySigner(key)
	case "managed_ecdsa":
		panic("brc20-bridge: managed_ecdsa wiring must be supplied by the deployment; see mintorder.NewManagedSigner")
	default:
		panic("brc20-bridge: unknown signing_strategy.kind " + conf.SigningStrategy.Kind)
	}
}
