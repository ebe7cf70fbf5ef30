package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test private key (DO NOT USE IN PRODUCTION)
const testPrivateKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testContract  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testRecipient = "0x0987654321098765432109876543210987654321"
)

// countingWallet wraps a KeyWallet with a fixed on-chain nonce and call counters
type countingWallet struct {
	*wallet.KeyWallet
	chainNonce uint64
	signErr    error

	nonceCalls atomic.Int32
	signCalls  atomic.Int32
}

func (w *countingWallet) Nonce(ctx context.Context) (uint64, error) {
	w.nonceCalls.Add(1)
	return w.chainNonce, nil
}

func (w *countingWallet) SignHash(ctx context.Context, hash []byte) ([]byte, error) {
	w.signCalls.Add(1)
	if w.signErr != nil {
		return nil, w.signErr
	}
	return w.KeyWallet.SignHash(ctx, hash)
}

func newWallet(t *testing.T) *countingWallet {
	t.Helper()
	kw, err := wallet.NewKeyWallet(testPrivateKeyHex, nil)
	require.NoError(t, err)
	return &countingWallet{KeyWallet: kw}
}

type recordingSubmitter struct {
	mu    sync.Mutex
	sent  []*Instruction
	fails int // number of leading calls that fail
	calls int
}

func (s *recordingSubmitter) Submit(ctx context.Context, inst *Instruction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.fails {
		return "", errors.New("execution reverted: nonce too low")
	}
	s.sent = append(s.sent, inst)
	return crypto.Keccak256Hash(inst.Digest, inst.Signature).Hex(), nil
}

func (s *recordingSubmitter) nonces() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint64, 0, len(s.sent))
	for _, inst := range s.sent {
		out = append(out, inst.Nonce)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func testIntent(id string) *types.PaymentIntent {
	return &types.PaymentIntent{
		IntentID:  id,
		Amount:    "1500000",
		Currency:  "USDC",
		Recipient: testRecipient,
		Status:    types.IntentFunded,
	}
}

func newOrchestrator(w Wallet, s Submitter, logger *slog.Logger) *Orchestrator {
	return New(w, s, Config{ChainID: 338, Contract: testContract}, logger)
}

func TestExecute_OnlyExecuteDecisionMovesFunds(t *testing.T) {
	tests := []struct {
		name     string
		decision types.Decision
	}{
		{name: "skip", decision: types.DecisionSkip},
		{name: "empty", decision: ""},
		{name: "lowercase execute", decision: "execute"},
		{name: "padded execute", decision: "EXECUTE "},
		{name: "unknown future value", decision: "EXECUTE_LATER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWallet(t)
			sub := &recordingSubmitter{}
			o := newOrchestrator(w, sub, nil)

			txHash, executed, err := o.Execute(context.Background(), testIntent("intent-1"),
				types.AgentDecision{Decision: tt.decision, Reason: "price above threshold"})

			require.NoError(t, err)
			assert.False(t, executed)
			assert.Empty(t, txHash)
			assert.Zero(t, w.nonceCalls.Load())
			assert.Zero(t, w.signCalls.Load())
			assert.Zero(t, sub.calls)
		})
	}
}

func TestExecute_SignsCanonicalMessage(t *testing.T) {
	w := newWallet(t)
	w.chainNonce = 4
	sub := &recordingSubmitter{}
	o := newOrchestrator(w, sub, nil)

	intent := testIntent("intent-42")
	txHash, executed, err := o.Execute(context.Background(), intent,
		types.AgentDecision{Decision: types.DecisionExecute, Reason: "ok"})
	require.NoError(t, err)
	assert.True(t, executed)
	require.Len(t, sub.sent, 1)

	inst := sub.sent[0]
	assert.Equal(t, crypto.Keccak256Hash(inst.Digest, inst.Signature).Hex(), txHash)
	assert.Equal(t, uint64(4), inst.Nonce)
	assert.Equal(t, crypto.Keccak256Hash([]byte("intent-42")), inst.IntentHash)
	assert.Equal(t, common.HexToAddress(testRecipient), inst.Recipient)
	assert.Equal(t, "1500000", inst.Amount.String())

	// verifier rebuilds the digest from the same inputs
	expected, err := Message{
		IntentID:  "intent-42",
		Amount:    big.NewInt(1500000),
		Recipient: common.HexToAddress(testRecipient),
		ChainID:   338,
		Nonce:     4,
	}.Digest(testContract)
	require.NoError(t, err)
	assert.Equal(t, expected, inst.Digest)

	signer, err := wallet.RecoverAddress(expected, inst.Signature)
	require.NoError(t, err)
	addr, _ := w.Address(context.Background())
	assert.Equal(t, addr, signer)
	assert.Equal(t, addr, inst.Signer)
}

func TestMessage_DigestBindsEveryField(t *testing.T) {
	base := Message{
		IntentID:  "intent-1",
		Amount:    big.NewInt(1000000),
		Recipient: common.HexToAddress(testRecipient),
		ChainID:   338,
		Nonce:     1,
	}
	baseDigest, err := base.Digest(testContract)
	require.NoError(t, err)
	require.Len(t, baseDigest, 32)

	again, err := base.Digest(testContract)
	require.NoError(t, err)
	assert.Equal(t, baseDigest, again)

	variants := map[string]func(m *Message){
		"intent id": func(m *Message) { m.IntentID = "intent-2" },
		"amount":    func(m *Message) { m.Amount = big.NewInt(1000001) },
		"recipient": func(m *Message) { m.Recipient = common.HexToAddress("0x1234567890123456789012345678901234567890") },
		"chain id":  func(m *Message) { m.ChainID = 25 },
		"nonce":     func(m *Message) { m.Nonce = 2 },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			m := base
			mutate(&m)
			d, err := m.Digest(testContract)
			require.NoError(t, err)
			assert.NotEqual(t, hexutil.Encode(baseDigest), hexutil.Encode(d))
		})
	}
}

func TestExecute_SequentialNonces(t *testing.T) {
	w := newWallet(t)
	sub := &recordingSubmitter{}
	o := newOrchestrator(w, sub, nil)

	for i := 0; i < 3; i++ {
		_, executed, err := o.Execute(context.Background(), testIntent(fmt.Sprintf("intent-%d", i)),
			types.AgentDecision{Decision: types.DecisionExecute})
		require.NoError(t, err)
		require.True(t, executed)
	}
	assert.Equal(t, []uint64{0, 1, 2}, sub.nonces())

	// chain catches up past the local counter
	w.chainNonce = 10
	_, _, err := o.Execute(context.Background(), testIntent("intent-3"), types.AgentDecision{Decision: types.DecisionExecute})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2, 10}, sub.nonces())
}

// racyNonces hands out nonces by reading a counter and bumping it later.
// With a gate set, every reader parks between the read and the write.
type racyNonces struct {
	mu   sync.Mutex
	next uint64

	gate    chan struct{}
	readers sync.WaitGroup
}

func (s *racyNonces) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	n := s.next
	s.mu.Unlock()

	if s.gate != nil {
		s.readers.Done()
		<-s.gate
	}

	s.mu.Lock()
	s.next = n + 1
	s.mu.Unlock()
	return n, nil
}

// Reading the wallet nonce concurrently without coordination yields the same
// value for both executions; the orchestrator must hand out distinct nonces.
func TestExecute_ConcurrentNonceRace(t *testing.T) {
	t.Run("uncoordinated reads collide", func(t *testing.T) {
		nonces := &racyNonces{gate: make(chan struct{})}
		nonces.readers.Add(2)

		kw, err := wallet.NewKeyWallet(testPrivateKeyHex, nonces)
		require.NoError(t, err)

		var wg sync.WaitGroup
		signed := make([]Message, 2)
		for i := range signed {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := kw.Nonce(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				msg := Message{
					IntentID:  fmt.Sprintf("intent-%d", i),
					Amount:    big.NewInt(1500000),
					Recipient: common.HexToAddress(testRecipient),
					ChainID:   338,
					Nonce:     n,
				}
				digest, err := msg.Digest(testContract)
				if !assert.NoError(t, err) {
					return
				}
				_, err = kw.SignHash(context.Background(), digest)
				assert.NoError(t, err)
				signed[i] = msg
			}()
		}

		nonces.readers.Wait()
		close(nonces.gate)
		wg.Wait()

		assert.Equal(t, signed[0].Nonce, signed[1].Nonce)
		assert.Equal(t, uint64(1), nonces.next)
	})

	t.Run("orchestrator serializes per identity", func(t *testing.T) {
		w := newWallet(t)
		sub := &recordingSubmitter{}
		o := newOrchestrator(w, sub, nil)

		const n = 10
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, executed, err := o.Execute(context.Background(), testIntent(fmt.Sprintf("intent-%d", i)),
					types.AgentDecision{Decision: types.DecisionExecute})
				assert.NoError(t, err)
				assert.True(t, executed)
			}(i)
		}
		wg.Wait()

		want := make([]uint64, n)
		for i := range want {
			want[i] = uint64(i)
		}
		assert.Equal(t, want, sub.nonces())
	})
}

// contractSubmitter reports per-intent nonces the way the settlement
// contract does; submitted transactions are not mined
type contractSubmitter struct {
	recordingSubmitter
	onChain map[common.Hash]uint64
	lookups atomic.Int32
}

func (s *contractSubmitter) IntentNonce(ctx context.Context, intentHash common.Hash) (uint64, error) {
	s.lookups.Add(1)
	return s.onChain[intentHash], nil
}

func TestExecute_ContractIntentNonces(t *testing.T) {
	w := newWallet(t)
	w.chainNonce = 7
	sub := &contractSubmitter{onChain: map[common.Hash]uint64{IntentHash("intent-b"): 3}}
	o := newOrchestrator(w, sub, nil)
	approve := types.AgentDecision{Decision: types.DecisionExecute}

	for _, id := range []string{"intent-a", "intent-b", "intent-a"} {
		_, executed, err := o.Execute(context.Background(), testIntent(id), approve)
		require.NoError(t, err)
		require.True(t, executed)
	}

	require.Len(t, sub.sent, 3)
	assert.Equal(t, uint64(0), sub.sent[0].Nonce)
	assert.Equal(t, uint64(3), sub.sent[1].Nonce)
	// the first settlement of intent-a is still pending on chain
	assert.Equal(t, uint64(1), sub.sent[2].Nonce)

	assert.Equal(t, int32(3), sub.lookups.Load())
	assert.Zero(t, w.nonceCalls.Load())
}

func TestExecute_SubmitFailureKeepsNonce(t *testing.T) {
	w := newWallet(t)
	sub := &recordingSubmitter{fails: 1}
	o := newOrchestrator(w, sub, nil)
	intent := testIntent("intent-1")
	approve := types.AgentDecision{Decision: types.DecisionExecute}

	txHash, executed, err := o.Execute(context.Background(), intent, approve)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
	assert.False(t, executed)
	assert.Empty(t, txHash)

	_, executed, err = o.Execute(context.Background(), intent, approve)
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, []uint64{0}, sub.nonces())
}

func TestExecute_SigningFailureIsLoggedAndReturned(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := newWallet(t)
	w.signErr = errors.New("hsm unavailable")
	sub := &recordingSubmitter{}
	o := newOrchestrator(w, sub, logger)

	_, executed, err := o.Execute(context.Background(), testIntent("intent-7"), types.AgentDecision{Decision: types.DecisionExecute})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hsm unavailable")
	assert.False(t, executed)
	assert.Zero(t, sub.calls)

	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "intentId=intent-7")
}

func TestExecute_Errors(t *testing.T) {
	approve := types.AgentDecision{Decision: types.DecisionExecute}

	tests := []struct {
		name      string
		wallet    bool
		submitter bool
		intent    *types.PaymentIntent
		wantErr   error
		contains  string
	}{
		{name: "no wallet", submitter: true, intent: testIntent("a"), wantErr: ErrNoWallet},
		{name: "no submitter", wallet: true, intent: testIntent("a"), wantErr: ErrNoSubmitter},
		{
			name: "bad recipient", wallet: true, submitter: true,
			intent:   &types.PaymentIntent{IntentID: "a", Amount: "1", Recipient: "nope"},
			contains: "invalid recipient",
		},
		{
			name: "fractional amount", wallet: true, submitter: true,
			intent:   &types.PaymentIntent{IntentID: "a", Amount: "1.5", Recipient: testRecipient},
			contains: "invalid intent amount",
		},
		{
			name: "empty id", wallet: true, submitter: true,
			intent:   &types.PaymentIntent{Amount: "1", Recipient: testRecipient},
			contains: "intent id is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w Wallet
			if tt.wallet {
				w = newWallet(t)
			}
			var s Submitter
			if tt.submitter {
				s = &recordingSubmitter{}
			}

			_, executed, err := newOrchestrator(w, s, nil).Execute(context.Background(), tt.intent, approve)
			require.Error(t, err)
			assert.False(t, executed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestSign_DoesNotConsumeNonce(t *testing.T) {
	w := newWallet(t)
	sub := &recordingSubmitter{}
	o := newOrchestrator(w, sub, nil)

	first, err := o.Sign(context.Background(), testIntent("intent-1"))
	require.NoError(t, err)
	second, err := o.Sign(context.Background(), testIntent("intent-1"))
	require.NoError(t, err)

	assert.Equal(t, first.Nonce, second.Nonce)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Zero(t, sub.calls)

	_, _, err = o.Execute(context.Background(), testIntent("intent-1"), types.AgentDecision{Decision: types.DecisionExecute})
	require.NoError(t, err)

	third, err := o.Sign(context.Background(), testIntent("intent-1"))
	require.NoError(t, err)
	assert.Equal(t, first.Nonce+1, third.Nonce)
}
