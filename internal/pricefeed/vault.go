package pricefeed

import (
	"context"
	"errors"
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
	erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc4626ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// VaultOptions parameterise the on-chain price source.
type VaultOptions struct {
	RPCURL        string
	VaultAddress  string
	ShareDecimals uint8
	AssetDecimals uint8
	Timeout       time.Duration
}

// VaultRate reads the position unit price from an ERC-4626 vault as the assets
// redeemable for one whole share.
type VaultRate struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewVaultRate builds a new on-chain price source.
func NewVaultRate(opts VaultOptions, logger zerolog.Logger) *VaultRate {
	if opts.ShareDecimals == 0 {
		opts.ShareDecimals = 18
	}
	if opts.AssetDecimals == 0 {
		opts.AssetDecimals = 18
	}
	return &VaultRate{opts: opts, logger: logger.With().Str("component", "vault_price").Logger()}
}

// FetchPrice calls convertToAssets(1 share) at the latest block.
func (v *VaultRate) FetchPrice(ctx context.Context) (Quote, error) {
	if v.opts.RPCURL == "" {
		return Quote{}, errors.New("ethereum rpc url not configured")
	}
	if v.opts.VaultAddress == "" {
		return Quote{}, errors.New("vault contract address not configured")
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return Quote{}, err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return Quote{}, err
	}

	addr := common.HexToAddress(v.opts.VaultAddress)
	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.opts.ShareDecimals)), nil)

	payload, err := erc4626ABI.Pack("convertToAssets", oneShare)
	if err != nil {
		return Quote{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return Quote{}, err
	}

	assets, err := decodeAssets(res)
	if err != nil {
		return Quote{}, err
	}

	price := decimal.NewFromBigInt(assets, -int32(v.opts.AssetDecimals))
	v.logger.Debug().Uint64("block", blockNumber).Str("price", price.String()).Msg("vault price fetched")

	return Quote{Price: price, Source: "erc4626", Block: blockNumber, At: time.Now().UTC()}, nil
}

func decodeAssets(res []byte) (*big.Int, error) {
	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected convertToAssets response")
	}
	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode convertToAssets output")
	}
	return assets, nil
}

func (v *VaultRate) getClient(ctx context.Context) (*ethclient.Client, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

// Close releases the RPC connection.
func (v *VaultRate) Close() {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()
	if v.client != nil {
		v.client.Close()
		v.client = nil
	}
}

var _ Source = (*VaultRate)(nil)
