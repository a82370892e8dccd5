package services

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/MixinNetwork/mixin/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nexusbridge/bridge-core/evmiface"
	"github.com/nexusbridge/bridge-core/mintorder"
	"github.com/nexusbridge/bridge-core/opstore"
)

// batchMintGasLimit is fixed: every batchMint call is sent with a
// 3,000,000 gas limit regardless of order count.
const batchMintGasLimit = 3_000_000

var batchMintSelector [4]byte
var batchMintArgs abi.Arguments

func init() {
	batchMintSelector = [4]byte{}
	sig := []byte("batchMint(bytes,bytes,uint256[])")
	copy(batchMintSelector[:], crypto.Keccak256(sig)[:4])
	batchMintArgs = abi.Arguments{
		{Type: mustAbiType("bytes")},
		{Type: mustAbiType("bytes")},
		{Type: mustAbiType("uint256[]")},
	}
}

func mustAbiType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// SubmissionCallback is how an ops state machine learns that its pushed
// SignedMintOrder was submitted as a transaction, advancing it from
// SendMintTransaction to WaitForMintConfirm.
type SubmissionCallback interface {
	OnMintSubmitted(ctx context.Context, id opstore.OpId, txHash common.Hash, err error)
}

type submissionJob struct {
	id    opstore.OpId
	order *mintorder.SignedMintOrder
}

// SendMintTransaction batches one or more signed orders pushed since the
// last tick into a single batchMint(bytes,bytes,uint256[]) call per
// destination chain, signs it as a chain-id-aware legacy transaction and
// submits it. Nonce and gas price come from the RefreshEvmParams cache;
// the cached nonce is bumped locally after each successful submission.
type SendMintTransaction struct {
	clients  map[uint64]evmiface.EVMClient
	contract map[uint64]common.Address
	params   *RefreshEvmParams
	signer   mintorder.Signer
	callback SubmissionCallback

	mu    sync.Mutex
	queue map[uint64][]submissionJob
}

func NewSendMintTransaction(
	clients map[uint64]evmiface.EVMClient,
	contract map[uint64]common.Address,
	params *RefreshEvmParams,
	signer mintorder.Signer,
	callback SubmissionCallback,
) *SendMintTransaction {
	return &SendMintTransaction{
		clients:  clients,
		contract: contract,
		params:   params,
		signer:   signer,
		callback: callback,
		queue:    make(map[uint64][]submissionJob),
	}
}

func (s *SendMintTransaction) ID() ID       { return IDSendMintTransaction }
func (s *SendMintTransaction) Phase() Phase { return ConcurrentWithOperations }

// PushOperation queues signed for submission on destination chain
// recipientChainID on the next Run.
func (s *SendMintTransaction) PushOperation(id opstore.OpId, recipientChainID uint64, signed *mintorder.SignedMintOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[recipientChainID] = append(s.queue[recipientChainID], submissionJob{id: id, order: signed})
}

func (s *SendMintTransaction) Run(ctx context.Context) error {
	s.mu.Lock()
	batches := s.queue
	s.queue = make(map[uint64][]submissionJob)
	s.mu.Unlock()

	for chainID, jobs := range batches {
		if len(jobs) == 0 {
			continue
		}
		if err := s.submitBatch(ctx, chainID, jobs); err != nil {
			logger.Printf("services.SendMintTransaction.Run(%d) => %v", chainID, err)
			for _, j := range jobs {
				s.callback.OnMintSubmitted(ctx, j.id, common.Hash{}, err)
			}
		}
	}
	return nil
}

func (s *SendMintTransaction) submitBatch(ctx context.Context, chainID uint64, jobs []submissionJob) error {
	client, ok := s.clients[chainID]
	if !ok {
		return fmt.Errorf("services.SendMintTransaction: no client for chain %d", chainID)
	}
	contract, ok := s.contract[chainID]
	if !ok {
		return fmt.Errorf("services.SendMintTransaction: no contract address for chain %d", chainID)
	}

	var orders []byte
	var signature []byte
	indices := make([]*big.Int, 0, len(jobs))
	for i, j := range jobs {
		orders = append(orders, j.order.Body[:]...)
		signature = append(signature, j.order.Sig[:]...)
		indices = append(indices, big.NewInt(int64(i)))
	}

	packed, err := batchMintArgs.Pack(orders, signature, indices)
	if err != nil {
		return fmt.Errorf("pack batchMint: %w", err)
	}
	data := append(append([]byte{}, batchMintSelector[:]...), packed...)

	p, ok := s.params.Get(chainID)
	if !ok {
		return fmt.Errorf("services.SendMintTransaction: params not yet refreshed for chain %d", chainID)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    p.Nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      batchMintGasLimit,
		GasPrice: p.GasPrice,
		Data:     data,
	})

	ethSigner := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	var digest [32]byte
	copy(digest[:], ethSigner.Hash(tx).Bytes())
	sig, err := s.signer.SignDigest(ctx, digest)
	if err != nil {
		return fmt.Errorf("sign batchMint: %w", err)
	}
	signedTx, err := tx.WithSignature(ethSigner, sig[:])
	if err != nil {
		return fmt.Errorf("attach batchMint signature: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("send batchMint: %w", err)
	}
	s.params.BumpNonce(chainID)

	hash := signedTx.Hash()
	for _, j := range jobs {
		s.callback.OnMintSubmitted(ctx, j.id, hash, nil)
	}
	logger.Printf("services.SendMintTransaction.submitBatch(%d) => %s (%d orders)", chainID, hash, len(jobs))
	return nil
}
