package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	apperrors "github.com/rail-service/settlement_core/internal/domain/errors"
	"github.com/rail-service/settlement_core/internal/domain/repositories"
	pkgcrypto "github.com/rail-service/settlement_core/pkg/crypto"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/secrets"
	"github.com/rail-service/settlement_core/pkg/security"
)

// Config selects the key material the vault loads.
type Config struct {
	BitcoinNetwork string
	// TreasuryKeySecrets maps a chain to the secret holding its treasury gas key (hex).
	TreasuryKeySecrets map[entities.Chain]string
}

// Vault derives deposit addresses and hands out signing keys in a scope.
// Plaintext keys never leave a WithSigningKey or TreasuryKey callback.
type Vault struct {
	wallets   repositories.WalletRepository
	tx        repositories.Transactor
	cipher    *pkgcrypto.Cipher
	master    *hdkeychain.ExtendedKey
	btcParams *chaincfg.Params
	secrets   secrets.Provider
	treasury  map[entities.Chain]string
	logger    *logger.Logger
}

// New builds a vault from the HD seed. The seed is not retained.
func New(
	cfg Config,
	seed []byte,
	cipher *pkgcrypto.Cipher,
	wallets repositories.WalletRepository,
	tx repositories.Transactor,
	secretProvider secrets.Provider,
	log *logger.Logger,
) (*Vault, error) {
	params, err := BitcoinParams(cfg.BitcoinNetwork)
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}

	return &Vault{
		wallets:   wallets,
		tx:        tx,
		cipher:    cipher,
		master:    master,
		btcParams: params,
		secrets:   secretProvider,
		treasury:  cfg.TreasuryKeySecrets,
		logger:    log,
	}, nil
}

// Provision assigns a deposit address to the user's wallet for asset. It is
// idempotent: a wallet that already has an address is returned unchanged.
func (v *Vault) Provision(ctx context.Context, userID uuid.UUID, asset entities.Asset) (*entities.Wallet, error) {
	if err := asset.Chain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnsupportedChain, err)
	}

	var wallet *entities.Wallet
	err := v.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		w, err := v.wallets.GetOrCreate(ctx, userID, entities.NormalizeCurrency(asset.Symbol), asset.Chain)
		if err != nil {
			return err
		}
		if w.Address != "" {
			wallet = w
			return nil
		}

		index, err := v.wallets.NextDerivationIndex(ctx)
		if err != nil {
			return err
		}
		raw, err := derivePath(v.master, asset.Chain, uint32(index))
		if err != nil {
			return err
		}
		defer pkgcrypto.Zero(raw)

		addr, err := AddressFor(asset.Chain, raw, v.btcParams)
		if err != nil {
			return err
		}
		sealed, err := v.cipher.Seal(raw, w.ID[:])
		if err != nil {
			return fmt.Errorf("seal key: %w", err)
		}
		if err := v.wallets.AttachAddress(ctx, w.ID, addr, sealed, index); err != nil {
			return err
		}
		cursor := entities.FreshAddressCursor()
		if err := v.wallets.UpdateCursor(ctx, w.ID, cursor); err != nil {
			return err
		}

		w.Address = addr
		w.EncryptedKey = &sealed
		w.DerivationIndex = &index
		w.Watched = true
		w.Cursor = cursor
		wallet = w
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("provision %s address: %w", asset.Chain, err)
	}

	v.logger.Info("Deposit address provisioned",
		"user_id", userID,
		"chain", asset.Chain,
		"currency", asset.Symbol,
		"address", security.MaskAddress(wallet.Address))
	return wallet, nil
}

// WithSigningKey decrypts the wallet's key, passes it to fn and zeroes it afterwards.
func (v *Vault) WithSigningKey(ctx context.Context, walletID uuid.UUID, fn func(*SigningKey) error) error {
	wallet, err := v.wallets.GetByID(ctx, walletID)
	if err != nil {
		return err
	}
	if !wallet.IsCustodial() {
		return fmt.Errorf("wallet %s holds no key material: %w", walletID, apperrors.ErrForbidden)
	}

	raw, err := v.cipher.Open(*wallet.EncryptedKey, wallet.ID[:])
	if err != nil {
		return fmt.Errorf("open key for wallet %s: %w", walletID, err)
	}
	key := &SigningKey{Chain: wallet.Chain, Address: wallet.Address, raw: raw}
	defer key.zero()

	return fn(key)
}

// TreasuryKey loads the chain's treasury gas key from the secrets provider for the duration of fn.
func (v *Vault) TreasuryKey(ctx context.Context, chain entities.Chain, fn func(*SigningKey) error) error {
	name, ok := v.treasury[chain]
	if !ok || name == "" {
		return fmt.Errorf("no treasury key configured for %s: %w", chain, apperrors.ErrUnsupportedChain)
	}
	secret, err := v.secrets.GetSecret(ctx, name)
	if err != nil {
		return fmt.Errorf("load treasury key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(secret), "0x"))
	if err != nil {
		return fmt.Errorf("decode treasury key: %w", err)
	}

	addr, err := AddressFor(chain, raw, v.btcParams)
	if err != nil {
		pkgcrypto.Zero(raw)
		return err
	}
	key := &SigningKey{Chain: chain, Address: addr, raw: raw}
	defer key.zero()

	return fn(key)
}

// BitcoinParams returns the network the vault derives addresses for.
func (v *Vault) BitcoinParams() *chaincfg.Params {
	return v.btcParams
}
