// Command icrc-bridge runs the ICRC-2<->ERC-20 bridge variant: approved
// ICRC-2 transfers on the Internet Computer side are mirrored by mints on
// a destination EVM chain, with a refund sub-path when a mint is refused
// after the transfer already committed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
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
	coordinator *bridge.IcrcCoordinator
}

func (p *callbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *callbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

// newIcrcTransferFrom adapts an evmiface.TokenClient (a canister agent, not
// shipped with this module) to the byte-principal shape the coordinator
// works in. Deployments wire a real TokenClient in; without one this
// returns an error so the scheduler retries instead of silently minting.
func newIcrcTransferFrom(bridgePrincipal string, client evmiface.TokenClient) bridge.IcrcTransferFrom {
	return func(ctx context.Context, ledger common.Address, principal []byte, amount *uint256.Int) (uint64, error) {
		if client == nil {
			return 0, fmt.Errorf("icrc-bridge: no TokenClient wired for ledger %s", ledger)
		}
		from := fmt.Sprintf("%x", principal)
		return client.TransferFrom(ctx, bridgePrincipal, from, bridgePrincipal, amount.ToBig())
	}
}

func main() {
	confPath := flag.String("config", "config.toml", "path to TOML configuration")
	storeDir := flag.String("store-dir", ".", "directory holding the operation store and scheduler databases")
	bridgePrincipal := flag.String("bridge-principal", "", "the bridge canister's own ICRC-2 principal")
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
	contracts := map[uint64]common.Address{chainID: common.HexToAddress(conf.BridgeContractAddress)}

	pipeline := services.NewPipeline()
	evmParams := services.NewRefreshEvmParams(clients, func() common.Address { return crypto.PubkeyToAddress(*signer.PublicKey()) })
	pipeline.Register(evmParams)

	proxy := &callbackProxy{}
	signMint := services.NewSignMintOrders(signer, proxy)
	sendMint := services.NewSendMintTransaction(clients, contracts, evmParams, signer, proxy)
	pipeline.Register(signMint)
	pipeline.Register(sendMint)

	coordinator := bridge.NewIcrcCoordinator(store, sched, signMint, sendMint, newIcrcTransferFrom(*bridgePrincipal, nil))
	proxy.coordinator = coordinator

	bridgeContract := common.HexToAddress(conf.BridgeContractAddress)
	mintCollector := collector.New(evmClient, bridgeContract, coordinator.Dispatcher())
	fetchEvents := services.NewFetchBridgeEvents([]services.ChainCollector{
		{ChainID: chainID, Collector: mintCollector, BlockNumber: evmClient.BlockNumber, MinConfirmations: conf.MinConfirmations},
	}, nil)
	pipeline.Register(fetchEvents)

	runtime := bridge.NewRuntime(store, sched, pipeline)
	defer runtime.Close()

	logger.Printf("icrc-bridge: booted, destination chain %d", conf.EvmLink.ChainID)
	if err := runtime.Run(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
		panic(err)
	}
}

func buildSigner(conf *config.Configuration) mintorder.Signer {
	switch conf.SigningStrategy.Kind {
	case "local_key":
		hexKey := os.Getenv("BRIDGE_LOCAL_KEY_HEX")
		if hexKey == "" {
			panic("icrc-bridge: BRIDGE_LOCAL_KEY_HEX must be set for signing_strategy=local_key")
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			panic(err)
		}
		return mintorder.NewLocalKeySigner(key)
	case "managed_ecdsa":
		panic("icrc-bridge: managed_ecdsa wiring must be supplied by the deployment; see mintorder.NewManagedSigner")
	default:
		panic("icrc-bridge: unknown signing_strategy.kind " + conf.SigningStrategy.Kind)
	}
}
