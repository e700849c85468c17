package chain

// market.go — Binary options market contract executor.
//
// One Market per deployed contract. All reads and the settlement write go
// through the network's RPC pool; every write is signed with the key bound
// to the endpoint it goes out on, so a compromised endpoint only ever sees
// its own key.
//
// Timing is the hard constraint here: the settlement tx has to land inside
// the same minute the consensus was computed for. The adapter waits for the
// chain's block time to enter the target minute (slow chains get a longer
// deadline) and refuses to send anything once the local clock passes the
// settlement cutoff or rolls into the next minute.

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

const (
	// Conservative upper bound when gas estimation fails.
	settleGasLimit = uint64(2_000_000)

	// Estimated gas gets multiplied by this factor. Settlement txs touch a
	// variable number of rounds, and a tx that runs out of gas still burns
	// the minute.
	gasBufferFactor = 4

	receiptTimeout = 20 * time.Second
)

var marketABI abi.ABI

func init() {
	var err error
	marketABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "getExecutableTimeframes",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "timeframes", "type": "uint256[]"}]
		},
		{
			"name": "getCurrentRoundId",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "timeframe", "type": "uint256"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "rounds",
			"type": "function",
			"stateMutability": "view",
			"inputs": [
				{"name": "timeframe", "type": "uint256"},
				{"name": "roundId", "type": "uint256"}
			],
			"outputs": [
				{"name": "lockPrice", "type": "int256"},
				{"name": "bullAmount", "type": "uint256"},
				{"name": "bearAmount", "type": "uint256"}
			]
		},
		{
			"name": "executeCurrentRound",
			"type": "function",
			"inputs": [
				{"name": "timeframes", "type": "uint256[]"},
				{"name": "price", "type": "uint256"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}
}

// MarketOptions configura un Market contra un contrato concreto.
type MarketOptions struct {
	Network  string
	ChainID  int64
	Address  string
	RPC      []string
	Keys     []string // private keys hex, una por endpoint; se reusa la primera si faltan
	Deadline int      // segundo del minuto hasta el que se espera al block time
	Cutoff   int      // segundo del minuto que corta el envío de la tx
	Now      func() time.Time
	Log      *slog.Logger
}

// Market implements ports.MarketContract.
type Market struct {
	network  string
	chainID  *big.Int
	address  common.Address
	pool     *pool
	keys     [][]byte
	deadline int
	cutoff   int
	now      func() time.Time
	log      *slog.Logger
}

// NewMarket dials the RPC pool and decodes the signer keys. At least one
// key is required: a market without a signer cannot settle anything.
func NewMarket(opts MarketOptions) (*Market, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("chain.NewMarket: %s/%s: no signer key", opts.Network, opts.Address)
	}
	p, err := dialPool(opts.RPC)
	if err != nil {
		return nil, fmt.Errorf("chain.NewMarket: %s: %w", opts.Network, err)
	}

	keys := make([][]byte, 0, len(opts.Keys))
	for _, k := range opts.Keys {
		raw, err := hex.DecodeString(strings.TrimPrefix(k, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain.NewMarket: %s: decode key: %w", opts.Network, err)
		}
		if _, err := crypto.ToECDSA(raw); err != nil {
			return nil, fmt.Errorf("chain.NewMarket: %s: invalid key: %w", opts.Network, err)
		}
		keys = append(keys, raw)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Market{
		network:  opts.Network,
		chainID:  big.NewInt(opts.ChainID),
		address:  common.HexToAddress(opts.Address),
		pool:     p,
		keys:     keys,
		deadline: opts.Deadline,
		cutoff:   opts.Cutoff,
		now:      now,
		log:      opts.Log,
	}, nil
}

// Close releases the RPC pool.
func (m *Market) Close() { m.pool.close() }

// ExecutableTimeframes waits for the chain's block time to enter the target
// minute, then asks the contract which round lengths are ready to execute.
// Returns ErrNoTimeframes when the chain never caught up, no endpoint
// answered in time, or the contract has nothing due this minute.
func (m *Market) ExecutableTimeframes(ctx context.Context, minuteStart int64) ([]*big.Int, error) {
	if !m.waitForBlockTime(ctx, minuteStart) {
		return nil, fmt.Errorf("chain.ExecutableTimeframes: %s: block time never reached minute %d: %w",
			m.network, minuteStart, domain.ErrNoTimeframes)
	}

	callData, err := marketABI.Pack("getExecutableTimeframes")
	if err != nil {
		return nil, fmt.Errorf("chain.ExecutableTimeframes: pack: %w", err)
	}

	var timeframes []*big.Int
	err = m.pool.each(ctx, func(ctx context.Context, ep endpoint) error {
		raw, err := ep.client.CallContract(ctx, ethereum.CallMsg{To: &m.address, Data: callData}, nil)
		if err != nil {
			return err
		}
		vals, err := marketABI.Unpack("getExecutableTimeframes", raw)
		if err != nil {
			return err
		}
		tfs, ok := vals[0].([]*big.Int)
		if !ok {
			return fmt.Errorf("getExecutableTimeframes: unexpected output type")
		}
		timeframes = tfs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain.ExecutableTimeframes: %s: %v: %w",
			m.network, err, domain.ErrNoTimeframes)
	}
	if len(timeframes) == 0 {
		return nil, fmt.Errorf("chain.ExecutableTimeframes: %s: %w", m.network, domain.ErrNoTimeframes)
	}
	return timeframes, nil
}

// waitForBlockTime polls the latest header until its timestamp enters the
// target minute or the per-network deadline second passes.
func (m *Market) waitForBlockTime(ctx context.Context, minuteStart int64) bool {
	for {
		var headerMS int64
		err := m.pool.each(ctx, func(ctx context.Context, ep endpoint) error {
			h, err := ep.client.HeaderByNumber(ctx, nil)
			if err != nil {
				return err
			}
			headerMS = int64(h.Time) * domain.SecondMS
			return nil
		})
		if err == nil && headerMS >= minuteStart {
			return true
		}

		now := m.now()
		if domain.MinuteOf(now) != minuteStart || domain.SecondOfMinute(now) > m.deadline {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

// CurrentRounds reads lock price and both stakes for the round currently
// awaiting execution on each timeframe.
func (m *Market) CurrentRounds(ctx context.Context, timeframes []*big.Int) ([]domain.RoundData, error) {
	out := make([]domain.RoundData, 0, len(timeframes))
	for _, tf := range timeframes {
		id, err := m.currentRoundID(ctx, tf)
		if err != nil {
			return nil, fmt.Errorf("chain.CurrentRounds: %s tf=%s: %w", m.network, tf, err)
		}
		// The round to settle is the one behind the head: the head round is
		// still open for betting.
		roundID := new(big.Int).Sub(id, big.NewInt(1))
		rd, err := m.round(ctx, tf, roundID)
		if err != nil {
			return nil, fmt.Errorf("chain.CurrentRounds: %s tf=%s round=%s: %w", m.network, tf, roundID, err)
		}
		out = append(out, rd)
	}
	return out, nil
}

func (m *Market) currentRoundID(ctx context.Context, tf *big.Int) (*big.Int, error) {
	callData, err := marketABI.Pack("getCurrentRoundId", tf)
	if err != nil {
		return nil, err
	}
	var id *big.Int
	err = m.pool.each(ctx, func(ctx context.Context, ep endpoint) error {
		raw, err := ep.client.CallContract(ctx, ethereum.CallMsg{To: &m.address, Data: callData}, nil)
		if err != nil {
			return err
		}
		vals, err := marketABI.Unpack("getCurrentRoundId", raw)
		if err != nil {
			return err
		}
		id = vals[0].(*big.Int)
		return nil
	})
	return id, err
}

func (m *Market) round(ctx context.Context, tf, id *big.Int) (domain.RoundData, error) {
	callData, err := marketABI.Pack("rounds", tf, id)
	if err != nil {
		return domain.RoundData{}, err
	}
	var rd domain.RoundData
	err = m.pool.each(ctx, func(ctx context.Context, ep endpoint) error {
		raw, err := ep.client.CallContract(ctx, ethereum.CallMsg{To: &m.address, Data: callData}, nil)
		if err != nil {
			return err
		}
		vals, err := marketABI.Unpack("rounds", raw)
		if err != nil {
			return err
		}
		rd = domain.RoundData{
			LockPrice:  vals[0].(*big.Int),
			BullAmount: vals[1].(*big.Int),
			BearAmount: vals[2].(*big.Int),
		}
		return nil
	})
	return rd, err
}

// ExecuteCurrentRound sends the settlement transaction, trying each
// endpoint once with its own signer key. It refuses to send once the local
// clock passes the cutoff second or leaves the target minute: a settlement
// landing in the wrong minute is worse than no settlement.
func (m *Market) ExecuteCurrentRound(ctx context.Context, timeframes []*big.Int, price *big.Int, minuteStart int64) error {
	callData, err := marketABI.Pack("executeCurrentRound", timeframes, price)
	if err != nil {
		return fmt.Errorf("chain.ExecuteCurrentRound: pack: %w", err)
	}

	var lastErr error
	for i, ep := range m.pool.endpoints {
		now := m.now()
		if domain.MinuteOf(now) != minuteStart || domain.SecondOfMinute(now) > m.cutoff {
			return fmt.Errorf("chain.ExecuteCurrentRound: %s: cutoff reached at second %d: %w",
				m.network, domain.SecondOfMinute(now), domain.ErrSettlementExhausted)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := m.sendSettlement(ctx, ep, m.keyFor(i), callData); err != nil {
			lastErr = err
			m.log.Warn("settlement tx falló, probando siguiente endpoint",
				"network", m.network, "endpoint", ep.url, "err", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("chain.ExecuteCurrentRound: %s: %w: %v", m.network, domain.ErrSettlementExhausted, lastErr)
}

// keyFor returns the signer key bound to the endpoint index, falling back
// to the first key when fewer keys than endpoints were configured.
func (m *Market) keyFor(i int) []byte {
	if i < len(m.keys) {
		return m.keys[i]
	}
	return m.keys[0]
}

func (m *Market) sendSettlement(ctx context.Context, ep endpoint, key []byte, callData []byte) error {
	privKey, err := crypto.ToECDSA(key)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	from := crypto.PubkeyToAddress(privKey.PublicKey)

	nonce, err := ep.client.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := ep.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}

	gasEstimate, err := ep.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &m.address,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gasEstimate = settleGasLimit
		m.log.Warn("gas estimate falló, usando límite por defecto",
			"network", m.network, "limit", settleGasLimit, "err", err)
	} else {
		gasEstimate *= gasBufferFactor
	}

	tx := types.NewTransaction(nonce, m.address, big.NewInt(0), gasEstimate, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(m.chainID), privKey)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := ep.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}

	txHash := signed.Hash()
	m.log.Info("settlement tx enviada",
		"network", m.network, "contract", m.address.Hex(), "tx", txHash.Hex())

	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := m.waitForReceipt(receiptCtx, ep, txHash)
	if err != nil {
		return fmt.Errorf("wait receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("tx reverted: %s", txHash.Hex())
	}

	m.log.Info("settlement confirmado",
		"network", m.network, "tx", txHash.Hex(), "gas_used", receipt.GasUsed)
	return nil
}

// waitForReceipt polls for the transaction receipt until mined or timeout.
func (m *Market) waitForReceipt(ctx context.Context, ep endpoint, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := ep.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}
