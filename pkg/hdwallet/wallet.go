// 钱包功能
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// CoinTypeETH BIP44 里 EVM 链统一用 60
const CoinTypeETH uint32 = 60

type HDWallet struct {
	masterKey *hdkeychain.ExtendedKey
}

// New 由助记词生成根私钥
func New(mnemonic string) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, errors.New("mnemonic cannot be empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	// 网络参数只影响序列化前缀，不影响派生出的私钥
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{masterKey: masterKey}, nil
}

// DeriveKey 按 BIP44 m/44'/60'/0'/0/index 派生 EVM 私钥
func (w *HDWallet) DeriveKey(index uint32) (*ecdsa.PrivateKey, error) {
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		CoinTypeETH + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("derive %d: %w", idx, err)
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return privKey.ToECDSA(), nil
}

// DeriveAddress 返回 index 对应的地址
func (w *HDWallet) DeriveAddress(index uint32) (common.Address, error) {
	key, err := w.DeriveKey(index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
