// Command btc-bridge runs the plain-Bitcoin<->ERC-20 bridge variant:
// satoshis sent to a deposit address are confirmed and minted as
// wrapped-BTC on a destination EVM chain, and burns on that chain are
// withdrawn back out by spending ledger UTXOs.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
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
	"github.com/nexusbridge/bridge-core/utxo"
)

type callbackProxy struct {
	coordinator *bridge.BtcCoordinator
}

func (p *callbackProxy) OnOrderSigned(ctx context.Context, id opstore.OpId, signed *mintorder.SignedMintOrder, err error) {
	p.coordinator.OnOrderSigned(ctx, id, signed, err)
}

func (p *callbackProxy) OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error) {
	p.coordinator.OnMintSubmitted(ctx, id, txHash, err)
}

func main() {
	confPath := flag.String("config", "config.toml", "path to TOML configuration")
	storeDir := flag.String("store-dir", ".", "directory holding the operation store, scheduler and UTXO ledger databases")
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
	ledger, err := utxo.Open(*storeDir + "/utxo.sqlite3")
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

	// Block tip and broadcast go through a Bitcoin adapter, a deployment
	// concern: wiring a concrete btcd/btcwallet backend belongs to the
	// operator running this binary, not this module.
	blockTip := func(ctx context.Context) (uint64, error) {
		return 0, fmt.Errorf("btc-bridge: no Bitcoin block-tip source wired")
	}
	broadcast := func(ctx context.Context, raw []byte) (string, error) {
		return "", fmt.Errorf("btc-bridge: no Bitcoin broadcaster wired")
	}
	buildTransaction := newBuildTransaction(ledger, conf.DepositFeeSats)

	coordinator := bridge.NewBtcCoordinator(store, sched, signMint, sendMint, ledger,
		blockTip, buildTransaction, broadcast, bridgeContract, uint32(conf.EvmLink.ChainID))
	proxy.coordinator = coordinator

	mintCollector := collector.New(evmClient, bridgeContract, coordinator.Dispatcher())
	fetchEvents := services.NewFetchBridgeEvents([]services.ChainCollector{
		{ChainID: chainID, Collector: mintCollector, BlockNumber: evmClient.BlockNumber, MinConfirmations: conf.MinConfirmations},
	}, nil)
	pipeline.Register(fetchEvents)

	runtime := bridge.NewRuntime(store, sched, pipeline)
	defer runtime.Close()

	logger.Printf("btc-bridge: booted, destination chain %d", conf.EvmLink.ChainID)
	if err := runtime.Run(ctx, 2*time.Second); err != nil && ctx.Err() == nil {
		panic(err)
	}
}

// newBuildTransaction assembles the withdrawal builder: spend UTXOs are
// resolved from the ledger, packed into a PSBT and signed with per-user
// transit keys derived from the Bitcoin master key in
// BRIDGE_BTC_MASTER_KEY_HEX. Change returns to the master key's own
// P2WPKH output.
func newBuildTransaction(ledger *utxo.Ledger, feeSats int64) bridge.BtcBuildTransaction {
	hexKey := os.Getenv("BRIDGE_BTC_MASTER_KEY_HEX")
	if hexKey == "" {
		return func(ctx context.Context, spendUtxos []utxo.Key, destinationAddress string, amountSats int64) ([]byte, error) {
			return nil, fmt.Errorf("btc-bridge: BRIDGE_BTC_MASTER_KEY_HEX must be set to build withdrawals")
		}
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		panic("btc-bridge: BRIDGE_BTC_MASTER_KEY_HEX is not a 32-byte hex key")
	}
	masterKey, _ := btcec.PrivKeyFromBytes(raw)
	params := &chaincfg.MainNetParams

	changeAddress, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(masterKey.PubKey().SerializeCompressed()), params)
	if err != nil {
		panic(err)
	}

	return func(ctx context.Context, spendUtxos []utxo.Key, destinationAddress string, amountSats int64) ([]byte, error) {
		spend := make([]utxo.UnspentUTXO, 0, len(spendUtxos))
		for _, k := range spendUtxos {
			u, err := ledger.LookupUtxo(ctx, k)
			if err != nil {
				return nil, err
			}
			spend = append(spend, *u)
		}
		packet, err := utxo.BuildWithdrawPacket(spend, destinationAddress, amountSats, feeSats, changeAddress.EncodeAddress(), params)
		if err != nil {
			return nil, err
		}
		return utxo.SignWithdrawPacket(packet, spend, func(path string) (*btcec.PrivateKey, error) {
			user, err := utxo.UserFromDerivationPath(path)
			if err != nil {
				return nil, err
			}
			return utxo.TransitPrivateKey(masterKey, user), nil
		})
	}
}

func buildSigner(conf *config.Configuration) mintorder.Signer {
	switch conf.SigningStrategy.Kind {
	case "local_key":
		hexKey := os.Getenv("BRIDGE_LOCAL_KEY_HEX")
		if hexKey == "" {
			panic("btc-bridge: BRIDGE_LOCAL_KEY_HEX must be set for signing_strategy=local_key")
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			panic(err)
		}
		return mintorder.NewLocalKeySigner(key)
	case "managed_ecdsa":
		panic("btc-bridge: managed_ecdsa wiring must be supplied by the deployment; see mintorder.NewManagedSigner")
	default:
		panic("btc-bridge: unknown signing_strategy.kind " + conf.SigningStrategy.Kind)
	}
}
