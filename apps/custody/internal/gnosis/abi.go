package gnosis

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const safeABIJSON = `[
{"inputs":[{"name":"hashToApprove","type":"bytes32"}],"name":"approveHash","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},{"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},{"name":"signatures","type":"bytes"}],"name":"execTransaction","outputs":[{"name":"success","type":"bool"}],"stateMutability":"payable","type":"function"},
{"inputs":[],"name":"nonce","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const multiSendABIJSON = `[
{"inputs":[{"name":"transactions","type":"bytes"}],"name":"multiSend","outputs":[],"stateMutability":"payable","type":"function"}
]`

const erc20ABIJSON = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var (
	SafeABI      = mustParse(safeABIJSON)
	MultiSendABI = mustParse(multiSendABIJSON)
	ERC20ABI     = mustParse(erc20ABIJSON)
)

func mustParse(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// EncodeApproveHash proxy.approveHash(hash)
func EncodeApproveHash(hash common.Hash) ([]byte, error) {
	return SafeABI.Pack("approveHash", [32]byte(hash))
}

// EncodeExecTransaction safe.execTransaction(tx..., signatures)
func EncodeExecTransaction(tx *SafeTx, signatures []byte) ([]byte, error) {
	return SafeABI.Pack("execTransaction",
		tx.To,
		tx.Value,
		tx.Data,
		uint8(tx.Operation),
		tx.SafeTxGas,
		tx.BaseGas,
		tx.GasPrice,
		tx.GasToken,
		tx.RefundReceiver,
		signatures,
	)
}

func EncodeNonce() ([]byte, error) {
	return SafeABI.Pack("nonce")
}

func DecodeNonce(out []byte) (*big.Int, error) {
	return decodeBig(SafeABI, "nonce", out)
}

func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}

func EncodeBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20ABI.Pack("balanceOf", owner)
}

func DecodeBalanceOf(out []byte) (*big.Int, error) {
	return decodeBig(ERC20ABI, "balanceOf", out)
}

func EncodeDecimals() ([]byte, error) {
	return ERC20ABI.Pack("decimals")
}

func DecodeDecimals(out []byte) (uint8, error) {
	vals, err := ERC20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("decimals: unexpected %d outputs", len(vals))
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", vals[0])
	}
	return d, nil
}

func decodeBig(parsed abi.ABI, method string, out []byte) (*big.Int, error) {
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s: unexpected %d outputs", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, vals[0])
	}
	return v, nil
}
