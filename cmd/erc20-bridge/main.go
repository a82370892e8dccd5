// Command erc20-bridge runs the ERC-20<->ERC-20 bridge variant: a pair of
// EVM chains, each holding a wrapped representation of the other's token,
// kept in sync by watching Burn events on one side and minting on the
// other.
package main

import (
	"context"
	"flag"
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

// callbackProxy breaks the construction cycle between the signing/sending
// services (built first, so the coordinator can reference them) and the
// coordinator (which is the signing/sending callback the services need).
type callbackProxy struct {
	coordinator *bridge.Erc20Erc20Coordinator
}

func (p *callbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *callbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

func main() {
	confPath := flag.String("config", "config.toml", "path to TOML configuration")
	storeDir := flag.String("store-dir", ".", "directory holding the operation store and scheduler databases")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		panic(err)
	}
	if conf.SecondEvmLink == nil {
		panic("erc20-bridge: second_evm_link is required for the ERC-20<->ERC-20 variant")
	}

	signer := buildSigner(conf)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	baseClient, err := evmiface.DialEthRPC(ctx, conf.EvmLink.RPC)
	if err != nil {
		panic(err)
	}
	wrappedClient, err := evmiface.DialEthRPC(ctx, conf.SecondEvmLink.RPC)
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

	baseChainID := uint64(conf.EvmLink.ChainID)
	wrappedChainID := uint64(conf.SecondEvmLink.ChainID)
	bridgeContract := common.HexToAddress(conf.BridgeContractAddress)

	clients := map[uint64]evmiface.EVMClient{baseChainID: baseClient, wrappedChainID: wrappedClient}
	contracts := map[uint64]common.Address{baseChainID: bridgeContract, wrappedChainID: bridgeContract}

	pipeline := services.NewPipeline()
	evmParams := services.NewRefreshEvmParams(clients, func() common.Address { return crypto.PubkeyToAddress(*signer.PublicKey()) })
	pipeline.Register(evmParams)

	proxy := &callbackProxy{}
	signMint := services.NewSignMintOrders(signer, proxy)
	sendMint := services.NewSendMintTransaction(clients, contracts, evmParams, signer, proxy)
	pipeline.Register(signMint)
	pipeline.Register(sendMint)

	coordinator := bridge.NewErc20Erc20Coordinator(store, sched, signMint, sendMint,
		conf.EvmLink.ChainID, conf.SecondEvmLink.ChainID, bridgeContract, bridgeContract)
	proxy.coordinator = coordinator

	baseCollector := collector.New(baseClient, bridgeContract, coordinator.BaseDispatcher())
	wrappedCollector := collector.New(wrappedClient, bridgeContract, coordinator.WrappedDispatcher())
	fetchEvents := services.NewFetchBridgeEvents([]services.ChainCollector{
		{ChainID: baseChainID, Collector: baseCollector, BlockNumber: baseClient.BlockNumber, MinConfirmations: conf.MinConfirmations},
		{ChainID: wrappedChainID, Collector: wrappedCollector, BlockNumber: wrappedClient.BlockNumber, MinConfirmations: conf.MinConfirmations},
	}, nil)
	pipeline.Register(fetchEvents)

	runtime := bridge.NewRuntime(store, sched, pipeline)
	defer runtime.Close()

	logger.Printf("erc20-bridge: booted, base chain %d, wrapped chain %d", conf.EvmLink.ChainID, conf.SecondEvmLink.ChainID)
	if err := runtime.Run(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
		panic(err)
	}
}

func buildSigner(conf *config.Configuration) mintorder.Signer {
	switch conf.SigningStrategy.Kind {
	case "local_key":
		hexKey := os.Getenv("BRIDGE_LOCAL_KEY_HEX")
		if hexKey == "" {
			panic("erc20-bridge: BRIDGE_LOCAL_KEY_HEX must be set for signing_strategy=local_key")
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			panic(err)
		}
		return mintorder.NewLocalKeySigner(key)
	case "managed_ecdsa":
		// Wiring the threshold network's party set and session transport is
		// the concern of the signer package's own node process; this binary
		// only constructs the coordinator side once that signer is reachable
		// as a mintorder.Signer, which requires deployment-specific party
		// configuration beyond what Configuration carries.
		panic("erc20-bridge: managed_ecdsa wiring must be supplied by the deployment; see mintorder.NewManagedSigner")
	default:
		panic("erc20-bridge: unknown signing_strategy.kind " + conf.SigningStrategy.Kind)
	}
}
