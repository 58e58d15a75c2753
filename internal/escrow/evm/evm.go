// Package evm runs escrow holds on an EVM chain holding an ERC20 token.
//
// Each hold is a fresh deposit address whose private key is the hold
// secret. The seller funds the address; the rail polls its token balance
// and reports funding. Settling marks the hold released so payouts can
// draw from it, canceling sends the balance back to whoever funded it.
// The operator wallet pays gas for deposit addresses and funds payouts
// that are not drawn from a hold.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/retry"
)

var (
	ErrInvalidKey     = errors.New("evm: invalid private key")
	ErrFunderUnknown  = errors.New("evm: no funding transfer found for hold")
	ErrTxFailed       = errors.New("evm: transaction reverted")
	ErrReceiptTimeout = errors.New("evm: timed out waiting for receipt")
	ErrPayoutPending  = errors.New("evm: previous payout not mined yet")
)

// TxError wraps a failed chain operation.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("evm: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("evm: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Client is the subset of *ethclient.Client the rail uses.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const (
	// DefaultTokenGasLimit covers an ERC20 transfer when estimation fails.
	DefaultTokenGasLimit = uint64(100000)
	nativeGasLimit       = uint64(21000)

	readAttempts = 3
	readBackoff  = 200 * time.Millisecond
)

// SecretLookup recovers a hold's secret after a restart.
type SecretLookup func(ctx context.Context, holdID string) (string, error)

// Config for the rail.
type Config struct {
	ChainID        int64
	TokenContract  string
	OperatorKey    string // hex, with or without 0x
	PollInterval   time.Duration
	PayTimeout     time.Duration
	ReceiptPoll    time.Duration
	FunderLookback uint64
}

type hold struct {
	key     *ecdsa.PrivateKey
	amount  int64
	balance int64
	state   escrow.State
	reason  escrow.CloseReason
}

// Rail is an escrow.Service and escrow.Payer backed by an ERC20 token.
type Rail struct {
	*escrow.Monitor

	client   Client
	cfg      Config
	token    common.Address
	tokenABI abi.ABI
	operator *ecdsa.PrivateKey
	chainID  *big.Int
	lookup   SecretLookup
	logger   *slog.Logger

	mu      sync.Mutex
	holds   map[string]*hold
	polls   map[string]context.CancelFunc
	pending map[string]common.Hash // destination -> last payout tx
	sent    map[string]common.Hash // payout key -> unconfirmed tx
	nonce   sync.Mutex             // serializes operator sends

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ escrow.Service = (*Rail)(nil)
	_ escrow.Payer   = (*Rail)(nil)
)

// New creates a rail on client. lookup may be nil when holds never
// outlive the process.
func New(client Client, cfg Config, lookup SecretLookup, logger *slog.Logger) (*Rail, error) {
	operator, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("evm: invalid token contract %q", cfg.TokenContract)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PayTimeout <= 0 {
		cfg.PayTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}

	root, cancel := context.WithCancel(context.Background())
	r := &Rail{
		Monitor:  escrow.NewMonitor(logger),
		client:   client,
		cfg:      cfg,
		token:    common.HexToAddress(cfg.TokenContract),
		tokenABI: parsed,
		operator: operator,
		chainID:  big.NewInt(cfg.ChainID),
		lookup:   lookup,
		logger:   logger,
		holds:    make(map[string]*hold),
		polls:    make(map[string]context.CancelFunc),
		pending:  make(map[string]common.Hash),
		sent:     make(map[string]common.Hash),
		root:     root,
		cancel:   cancel,
	}
	r.OnWatch = r.startPolling
	r.OnIdle = r.stopPolling
	return r, nil
}

// OperatorAddress is the wallet that pays gas and community earnings.
func (r *Rail) OperatorAddress() string {
	return crypto.PubkeyToAddress(r.operator.PublicKey).Hex()
}

// Close stops every balance poller.
func (r *Rail) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Rail) OpenHold(ctx context.Context, amount int64, description string) (*escrow.Hold, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate deposit key: %w", err)
	}
	id := crypto.PubkeyToAddress(key.PublicKey).Hex()

	r.mu.Lock()
	r.holds[id] = &hold{key: key, amount: amount, state: escrow.StateOpen}
	r.mu.Unlock()

	r.logger.Info("deposit address opened", "hold_id", id, "amount", amount, "description", description)
	return &escrow.Hold{
		ID:      id,
		Secret:  common.Bytes2Hex(crypto.FromECDSA(key)),
		Request: fmt.Sprintf("ethereum:%s@%d/transfer?address=%s&uint256=%d", r.token.Hex(), r.cfg.ChainID, id, amount),
		Amount:  amount,
	}, nil
}

// SettleHold marks the hold released. Its balance stays on the deposit
// address until a payout draws from it.
func (r *Rail) SettleHold(ctx context.Context, secret string) error {
	key, err := parseKey(secret)
	if err != nil {
		return escrow.ErrHoldNotFound
	}
	id := crypto.PubkeyToAddress(key.PublicKey).Hex()
	h := r.adopt(id, key)
	return r.close(ctx, id, h, escrow.ReasonRelease)
}

// CancelHold sends the deposit address balance back to its funder.
func (r *Rail) CancelHold(ctx context.Context, holdID string) error {
	h, err := r.load(ctx, holdID)
	if err != nil {
		return err
	}
	if r.closed(h) {
		return escrow.ErrHoldClosed
	}
	addr := common.HexToAddress(holdID)
	balance, err := r.balanceOf(ctx, addr)
	if err != nil {
		return err
	}
	if balance.Sign() > 0 {
		funder, err := r.funder(ctx, addr)
		if err != nil {
			return err
		}
		if _, err := r.transferFrom(ctx, h.key, funder, balance, ""); err != nil {
			return err
		}
		r.logger.Info("hold refunded", "hold_id", holdID, "funder", funder.Hex(), "amount", balance.String())
	}
	return r.close(ctx, holdID, h, escrow.ReasonRefund)
}

func (r *Rail) close(ctx context.Context, id string, h *hold, reason escrow.CloseReason) error {
	r.mu.Lock()
	if h.state == escrow.StateClosed {
		r.mu.Unlock()
		return escrow.ErrHoldClosed
	}
	h.state = escrow.StateClosed
	h.reason = reason
	r.mu.Unlock()

	r.Emit(ctx, escrow.Event{Kind: escrow.EventClosed, HoldID: id, Reason: reason, At: time.Now()})
	return nil
}

func (r *Rail) closed(h *hold) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.state == escrow.StateClosed
}

func (r *Rail) Balance(ctx context.Context, holdID string) (int64, error) {
	if !common.IsHexAddress(holdID) {
		return 0, escrow.ErrHoldNotFound
	}
	raw, err := r.balanceOf(ctx, common.HexToAddress(holdID))
	if err != nil {
		return 0, err
	}
	return clamp(raw), nil
}

// State reports what this process knows about the hold. Holds closed by a
// previous process read as open; the store already reflects those.
func (r *Rail) State(ctx context.Context, holdID string) (escrow.State, escrow.CloseReason, error) {
	if !common.IsHexAddress(holdID) {
		return "", escrow.ReasonNone, escrow.ErrHoldNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.holds[holdID]; ok {
		return h.state, h.reason, nil
	}
	return escrow.StateOpen, escrow.ReasonNone, nil
}

// Pay transfers req.Amount tokens to req.Destination, from the hold whose
// key is req.Secret or from the operator wallet. It blocks until the
// transfer is mined or PayTimeout passes.
//
// A hold is paid out at most once, and an operator payout at most once per
// req.Reference: an unconfirmed transfer from an earlier attempt is looked
// up before anything new is sent.
func (r *Rail) Pay(ctx context.Context, req escrow.PayRequest) (*escrow.Payment, error) {
	if err := r.ValidateDestination(req.Destination); err != nil {
		return &escrow.Payment{Expired: true, At: time.Now()}, nil
	}
	to := common.HexToAddress(req.Destination)

	from := r.operator
	if req.Secret != "" {
		key, err := parseKey(req.Secret)
		if err != nil {
			return nil, escrow.ErrHoldNotFound
		}
		from = key
	}
	key := r.payoutKey(from, req.Reference)

	if prev, ok := r.unconfirmed(key); ok {
		done, err := r.settled(ctx, prev)
		if err != nil {
			return nil, err
		}
		r.forget(key)
		if done {
			return &escrow.Payment{ID: prev.Hex(), Confirmed: true, At: time.Now()}, nil
		}
	}

	balance, err := r.balanceOf(ctx, crypto.PubkeyToAddress(from.PublicKey))
	if err != nil {
		return nil, err
	}
	amount := big.NewInt(req.Amount)
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", escrow.ErrInsufficientFunds, balance, amount)
	}

	hash, err := r.transferFrom(ctx, from, to, amount, key)
	if err != nil {
		return nil, err
	}
	r.forget(key)
	r.logger.Info("payout confirmed", "destination", req.Destination, "amount", req.Amount, "tx", hash.Hex(), "memo", req.Memo)
	return &escrow.Payment{ID: hash.Hex(), Confirmed: true, At: time.Now()}, nil
}

// payoutKey identifies a payout across attempts. Hold payouts are keyed by
// the hold address; operator payouts need a caller reference.
func (r *Rail) payoutKey(from *ecdsa.PrivateKey, reference string) string {
	if from != r.operator {
		return "hold:" + strings.ToLower(crypto.PubkeyToAddress(from.PublicKey).Hex())
	}
	if reference == "" {
		return ""
	}
	return "ref:" + reference
}

// settled reports whether an earlier payout tx succeeded. A reverted or
// dropped tx reports false; one the node knows but has not mined yet is
// ErrPayoutPending.
func (r *Rail) settled(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if err == nil {
		return receipt.Status == types.ReceiptStatusSuccessful, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return false, &TxError{Op: "receipt", Err: err}
	}
	if _, _, err := r.client.TransactionByHash(ctx, hash); err == nil {
		return false, ErrPayoutPending
	} else if !errors.Is(err, ethereum.NotFound) {
		return false, &TxError{Op: "lookup", Err: err}
	}
	return false, nil
}

func (r *Rail) unconfirmed(key string) (common.Hash, bool) {
	if key == "" {
		return common.Hash{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sent[key]
	return h, ok
}

func (r *Rail) forget(key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	delete(r.sent, key)
	r.mu.Unlock()
}

// InFlight reports whether the last payout sent to destination is still
// in the mempool.
func (r *Rail) InFlight(ctx context.Context, destination string) (bool, error) {
	hash, ok := r.lastPayout(destination)
	if !ok {
		return false, nil
	}
	_, pending, err := r.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return pending, nil
}

// ValidateDestination accepts any non-zero hex address.
func (r *Rail) ValidateDestination(destination string) error {
	if !common.IsHexAddress(destination) || common.HexToAddress(destination) == (common.Address{}) {
		return escrow.ErrInvalidDestination
	}
	return nil
}

func (r *Rail) lastPayout(destination string) (common.Hash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.pending[strings.ToLower(destination)]
	return h, ok
}

// transferFrom moves amount tokens from key's address to to. Deposit
// addresses first receive gas from the operator. A non-empty payout key
// records the tx until the caller sees it confirmed.
func (r *Rail) transferFrom(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int, payout string) (common.Hash, error) {
	data, err := r.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, &TxError{Op: "pack", Err: err}
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TxError{Op: "gas_price", Err: err}
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &r.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultTokenGasLimit
	}

	if key != r.operator {
		gas := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
		fund, err := r.send(ctx, r.operator, from, gas, nativeGasLimit, gasPrice, nil)
		if err != nil {
			return common.Hash{}, err
		}
		if err := r.await(ctx, fund); err != nil {
			return common.Hash{}, err
		}
	}

	hash, err := r.send(ctx, key, r.token, big.NewInt(0), gasLimit, gasPrice, data)
	if err != nil {
		return common.Hash{}, err
	}
	r.mu.Lock()
	r.pending[strings.ToLower(to.Hex())] = hash
	if payout != "" {
		r.sent[payout] = hash
	}
	r.mu.Unlock()

	if err := r.await(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

func (r *Rail) send(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) (common.Hash, error) {
	if key == r.operator {
		r.nonce.Lock()
		defer r.nonce.Unlock()
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := r.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &TxError{Op: "nonce", Err: err}
	}
	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(r.chainID), key)
	if err != nil {
		return common.Hash{}, &TxError{Op: "sign", Err: err}
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &TxError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed.Hash(), nil
}

// await polls for hash's receipt until PayTimeout.
func (r *Rail) await(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PayTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TxError{Op: "confirm", TxHash: hash.Hex(), Err: ErrReceiptTimeout}
			}
			return ctx.Err()
		case <-ticker.C:
			receipt, err := r.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &TxError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTxFailed}
			}
			return nil
		}
	}
}

func (r *Rail) balanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := r.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	var result []byte
	err = retry.Do(ctx, readAttempts, readBackoff, func() error {
		var err error
		result, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &r.token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// funder finds the sender of the first token transfer into addr within
// FunderLookback blocks.
func (r *Rail) funder(ctx context.Context, addr common.Address) (common.Address, error) {
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get block number: %w", err)
	}
	var from uint64
	if r.cfg.FunderLookback > 0 && head > r.cfg.FunderLookback {
		from = head - r.cfg.FunderLookback
	}
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{r.token},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil,
			{common.BytesToHash(addr.Bytes())},
		},
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to filter logs: %w", err)
	}
	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		return common.HexToAddress(l.Topics[1].Hex()), nil
	}
	return common.Address{}, ErrFunderUnknown
}

// load returns the hold, recovering its key through the lookup when this
// process did not open it.
func (r *Rail) load(ctx context.Context, holdID string) (*hold, error) {
	r.mu.Lock()
	h, ok := r.holds[holdID]
	r.mu.Unlock()
	if ok && h.key != nil {
		return h, nil
	}
	if r.lookup == nil || !common.IsHexAddress(holdID) {
		return nil, escrow.ErrHoldNotFound
	}
	secret, err := r.lookup(ctx, holdID)
	if err != nil {
		return nil, escrow.ErrHoldNotFound
	}
	key, err := parseKey(secret)
	if err != nil || crypto.PubkeyToAddress(key.PublicKey).Hex() != holdID {
		return nil, escrow.ErrHoldNotFound
	}
	return r.adopt(holdID, key), nil
}

func (r *Rail) adopt(id string, key *ecdsa.PrivateKey) *hold {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		h = &hold{state: escrow.StateOpen}
		r.holds[id] = h
	}
	if h.key == nil {
		h.key = key
	}
	return h
}

func (r *Rail) startPolling(holdID string) {
	if !common.IsHexAddress(holdID) {
		return
	}
	r.mu.Lock()
	if _, ok := r.polls[holdID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.root)
	r.polls[holdID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.poll(ctx, holdID)
			}
		}
	}()
}

func (r *Rail) stopPolling(holdID string) {
	r.mu.Lock()
	cancel, ok := r.polls[holdID]
	delete(r.polls, holdID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// poll emits a funded event when the hold's balance has grown.
func (r *Rail) poll(ctx context.Context, holdID string) {
	raw, err := r.balanceOf(ctx, common.HexToAddress(holdID))
	if err != nil {
		r.logger.Warn("balance poll failed", "hold_id", holdID, "error", err)
		return
	}
	balance := clamp(raw)

	r.mu.Lock()
	h, ok := r.holds[holdID]
	if !ok {
		h = &hold{state: escrow.StateOpen}
		r.holds[holdID] = h
	}
	if h.state == escrow.StateClosed || balance <= h.balance {
		r.mu.Unlock()
		return
	}
	h.balance = balance
	r.mu.Unlock()

	r.Emit(ctx, escrow.Event{Kind: escrow.EventFunded, HoldID: holdID, Amount: balance, At: time.Now()})
}

func parseKey(secret string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func clamp(v *big.Int) int64 {
	if !v.IsInt64() {
		if v.Sign() < 0 {
			return 0
		}
		return int64(^uint64(0) >> 1)
	}
	return v.Int64()
}
