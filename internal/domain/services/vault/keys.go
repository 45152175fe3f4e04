package vault

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
	"github.com/mr-tron/base58"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	pkgcrypto "github.com/rail-service/settlement_core/pkg/crypto"
)

// SLIP-44 coin types
var coinTypes = map[entities.Chain]uint32{
	entities.ChainBitcoin:  0,
	entities.ChainEthereum: 60,
	entities.ChainTron:     195,
	entities.ChainSolana:   501,
}

// SigningKey is plaintext key material valid only inside a vault scope.
type SigningKey struct {
	Chain   entities.Chain
	Address string
	raw     []byte
}

// ECDSA returns the secp256k1 key for ETH and TRON.
func (k *SigningKey) ECDSA() (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(k.raw)
}

// BTC returns the key as a btcec private key.
func (k *SigningKey) BTC() *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(k.raw)
	return priv
}

// Ed25519 returns the Solana signing key.
func (k *SigningKey) Ed25519() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(k.raw)
}

func (k *SigningKey) zero() {
	pkgcrypto.Zero(k.raw)
	k.raw = nil
}

// BitcoinParams maps a configured network name to chain parameters.
func BitcoinParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported bitcoin network: %s", network)
	}
}

// derivePath walks m/44'/coin'/0'/0/index.
func derivePath(master *hdkeychain.ExtendedKey, chain entities.Chain, index uint32) ([]byte, error) {
	coin, ok := coinTypes[chain]
	if !ok {
		return nil, apperrors.ErrUnsupportedChain
	}

	key := master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coin,
		hdkeychain.HardenedKeyStart,
		0,
		index,
	} {
		next, err := key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", step, err)
		}
		key = next
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	return priv.Serialize(), nil
}

// AddressFor computes the chain address controlled by raw key material.
// Solana keys are ed25519 seeds; every other chain uses secp256k1.
func AddressFor(chain entities.Chain, raw []byte, btcParams *chaincfg.Params) (string, error) {
	switch chain {
	case entities.ChainEthereum:
		priv, err := crypto.ToECDSA(raw)
		if err != nil {
			return "", fmt.Errorf("invalid secp256k1 key: %w", err)
		}
		return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
	case entities.ChainTron:
		priv, err := crypto.ToECDSA(raw)
		if err != nil {
			return "", fmt.Errorf("invalid secp256k1 key: %w", err)
		}
		return address.PubkeyToAddress(priv.PublicKey).String(), nil
	case entities.ChainBitcoin:
		_, pub := btcec.PrivKeyFromBytes(raw)
		addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), btcParams)
		if err != nil {
			return "", fmt.Errorf("failed to create address: %w", err)
		}
		return addr.EncodeAddress(), nil
	case entities.ChainSolana:
		if len(raw) != ed25519.SeedSize {
			return "", fmt.Errorf("invalid ed25519 seed length %d", len(raw))
		}
		pub := ed25519.NewKeyFromSeed(raw).Public().(ed25519.PublicKey)
		return base58.Encode(pub), nil
	default:
		return "", apperrors.ErrUnsupportedChain
	}
}

// NewSigningKey wraps raw key material. The key takes ownership of raw and
// zeroes it when its scope ends.
func NewSigningKey(chain entities.Chain, address string, raw []byte) *SigningKey {
	return &SigningKey{Chain: chain, Address: address, raw: raw}
}

// Release zeroes the key material.
func (k *SigningKey) Release() {
	k.zero()
}
