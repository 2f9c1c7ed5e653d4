package gnosis

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MetaTx MultiSend 里的一笔子交易
type MetaTx struct {
	Operation Operation
	To        common.Address
	Value     *big.Int
	Data      []byte
}

// PackMultiSend 按 MultiSend 合约的紧凑格式拼接:
// operation(1) | to(20) | value(32) | dataLength(32) | data
func PackMultiSend(txs []MetaTx) []byte {
	size := 0
	for _, tx := range txs {
		size += 1 + 20 + 32 + 32 + len(tx.Data)
	}
	buf := make([]byte, 0, size)
	for _, tx := range txs {
		buf = append(buf, byte(tx.Operation))
		buf = append(buf, tx.To.Bytes()...)
		buf = append(buf, word(tx.Value)...)
		buf = append(buf, word(big.NewInt(int64(len(tx.Data))))...)
		buf = append(buf, tx.Data...)
	}
	return buf
}

// EncodeMultiSend multiSend(bytes)，需以 DelegateCall 方式由 Safe 调用
func EncodeMultiSend(txs []MetaTx) ([]byte, error) {
	return MultiSendABI.Pack("multiSend", PackMultiSend(txs))
}
