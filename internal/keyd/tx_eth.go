package keyd

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthTxParams are the EIP-1559 fields needed to build and sign a transaction.
type EthTxParams struct {
	ChainID              uint64
	Nonce                uint64
	To                   string
	Value                string // decimal wei string
	MaxFeePerGas         uint64
	MaxPriorityFeePerGas uint64
	GasLimit             uint64
	Data                 string // hex-encoded, no 0x prefix
}

// DefaultEthTxParams matches the original's Default impl: mainnet, 30 gwei
// max fee, 1 gwei tip, 21000 gas (simple transfer).
func DefaultEthTxParams() EthTxParams {
	return EthTxParams{
		ChainID:              1,
		Value:                "0",
		MaxFeePerGas:         30_000_000_000,
		MaxPriorityFeePerGas: 1_000_000_000,
		GasLimit:             21_000,
	}
}

// EthTxResult is the signed, RLP-encoded transaction ready for
// eth_sendRawTransaction.
type EthTxResult struct {
	SignedTx string
	TxHash   string
	From     string
	To       string
	Value    string
	ChainID  uint64
}

// BuildAndSignEIP1559 builds and signs an EIP-1559 dynamic-fee transaction
// using go-ethereum's real tx builder and London signer, rather than a
// hand-rolled RLP encoder (see DESIGN.md).
func BuildAndSignEIP1559(keyBytes []byte, params EthTxParams) (EthTxResult, error) {
	priv, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return EthTxResult{}, fmt.Errorf("invalid eth key: %w", err)
	}
	fromAddr := ethcrypto.PubkeyToAddress(priv.PublicKey)

	toBytes, err := parseEthAddress(params.To)
	if err != nil {
		return EthTxResult{}, fmt.Errorf("invalid 'to' address: %w", err)
	}
	to := common.BytesToAddress(toBytes[:])

	value, ok := new(big.Int).SetString(params.Value, 10)
	if !ok {
		return EthTxResult{}, fmt.Errorf("invalid value %q: must be decimal wei string", params.Value)
	}

	var data []byte
	if params.Data != "" {
		data, err = hex.DecodeString(strings.TrimPrefix(params.Data, "0x"))
		if err != nil {
			return EthTxResult{}, fmt.Errorf("invalid calldata hex: %w", err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(params.ChainID),
		Nonce:     params.Nonce,
		GasTipCap: new(big.Int).SetUint64(params.MaxPriorityFeePerGas),
		GasFeeCap: new(big.Int).SetUint64(params.MaxFeePerGas),
		Gas:       params.GasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signer := types.NewLondonSigner(new(big.Int).SetUint64(params.ChainID))
	signedTx, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return EthTxResult{}, fmt.Errorf("signing failed: %w", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return EthTxResult{}, fmt.Errorf("encode signed tx: %w", err)
	}

	return EthTxResult{
		SignedTx: "0x" + hex.EncodeToString(raw),
		TxHash:   signedTx.Hash().Hex(),
		From:     fromAddr.Hex(),
		To:       params.To,
		Value:    params.Value,
		ChainID:  params.ChainID,
	}, nil
}

func parseEthAddress(addr string) ([20]byte, error) {
	hexStr := strings.TrimPrefix(addr, "0x")
	if len(hexStr) != 40 {
		return [20]byte{}, fmt.Errorf("address must be 40 hex chars, got %d", len(hexStr))
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return [20]byte{}, err
	}
	var out [20]byte
	copy(out[:], raw)
	return out, nil
}
