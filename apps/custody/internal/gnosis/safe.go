// Package gnosis 实现 Safe 合约的交易哈希、签名格式和调用编码
package gnosis

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Operation uint8

const (
	Call         Operation = 0
	DelegateCall Operation = 1
)

var (
	// keccak256("EIP712Domain(uint256 chainId,address verifyingContract)")
	DomainSeparatorTypehash = crypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	// keccak256("SafeTx(...)")，字段顺序与合约 encodeTransactionData 一致
	SafeTxTypehash = crypto.Keccak256Hash([]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
)

// SafeTx Safe.execTransaction 的参数
type SafeTx struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      Operation
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
}

// NewTx 无 gas 退款的交易
// safeTxGas 和 gasPrice 都为 0 时内层调用失败会让整笔 revert，回执状态能直接反映结果
func NewTx(to common.Address, data []byte, op Operation, nonce *big.Int) *SafeTx {
	return &SafeTx{
		To:        to,
		Value:     new(big.Int),
		Data:      data,
		Operation: op,
		SafeTxGas: new(big.Int),
		BaseGas:   new(big.Int),
		GasPrice:  new(big.Int),
		Nonce:     new(big.Int).Set(nonce),
	}
}

// DomainSeparator keccak256(abi.encode(typehash, chainId, safe))
func DomainSeparator(chainID *big.Int, safe common.Address) common.Hash {
	return crypto.Keccak256Hash(
		DomainSeparatorTypehash.Bytes(),
		word(chainID),
		common.LeftPadBytes(safe.Bytes(), 32),
	)
}

// StructHash keccak256(abi.encode(SafeTxTypehash, ..., keccak256(data), ...))
func (tx *SafeTx) StructHash() common.Hash {
	return crypto.Keccak256Hash(
		SafeTxTypehash.Bytes(),
		common.LeftPadBytes(tx.To.Bytes(), 32),
		word(tx.Value),
		crypto.Keccak256(tx.Data),
		word(big.NewInt(int64(tx.Operation))),
		word(tx.SafeTxGas),
		word(tx.BaseGas),
		word(tx.GasPrice),
		common.LeftPadBytes(tx.GasToken.Bytes(), 32),
		common.LeftPadBytes(tx.RefundReceiver.Bytes(), 32),
		word(tx.Nonce),
	)
}

// Hash 对应合约 getTransactionHash: keccak256(0x19 0x01 domainSeparator structHash)
func (tx *SafeTx) Hash(chainID *big.Int, safe common.Address) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		DomainSeparator(chainID, safe).Bytes(),
		tx.StructHash().Bytes(),
	)
}

// ApprovedHashSignature 65 字节: owner 左补零到 32 字节 | 32 字节 0 | v=1
// v=1 时 Safe 校验 approvedHashes[owner][hash]，不做 ecrecover
func ApprovedHashSignature(owner common.Address) []byte {
	sig := make([]byte, 65)
	copy(sig[12:32], owner.Bytes())
	sig[64] = 1
	return sig
}

// OwnerSignature EOA 直接对 safeTxHash 签名，v 调整为 27/28
func OwnerSignature(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
