package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// EVMOptions parameterise the on-chain balance reader.
type EVMOptions struct {
	RPCURL        string
	TokenAddress  string
	TokenDecimals int32
	Timeout       time.Duration
	// Addresses maps wallet ids to on-chain addresses. Wallet ids that are
	// already hex addresses need no entry.
	Addresses map[string]string
}

// EVMBalance reads ERC-20 balances over Ethereum JSON-RPC.
type EVMBalance struct {
	opts      EVMOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEVMBalance builds a new balance reader.
func NewEVMBalance(opts EVMOptions, logger zerolog.Logger) *EVMBalance {
	if opts.TokenDecimals <= 0 {
		opts.TokenDecimals = 6
	}
	return &EVMBalance{opts: opts, logger: logger.With().Str("component", "evm_balance").Logger()}
}

func (e *EVMBalance) address(walletID string) (common.Address, error) {
	if mapped, ok := e.opts.Addresses[walletID]; ok {
		walletID = mapped
	}
	if !common.IsHexAddress(walletID) {
		return common.Address{}, fmt.Errorf("wallet %s has no on-chain address", walletID)
	}
	return common.HexToAddress(walletID), nil
}

// Balance implements BalanceReader.
func (e *EVMBalance) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	if e.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if e.opts.TokenAddress == "" {
		return decimal.Decimal{}, errors.New("token contract address not configured")
	}
	owner, err := e.address(walletID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	token := common.HexToAddress(e.opts.TokenAddress)
	payload, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected balanceOf response")
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode balanceOf output")
	}

	return decimal.NewFromBigInt(raw, -e.opts.TokenDecimals), nil
}

func (e *EVMBalance) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

// Close drops the RPC connection.
func (e *EVMBalance) Close() {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

var _ BalanceReader = (*EVMBalance)(nil)
