package keyd

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// keyCacheTTL is how long decrypted key bytes stay cached before eviction.
const keyCacheTTL = 300 * time.Second

// Chain identifies which signature scheme / address format a wallet uses.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainSolana   Chain = "solana"
)

// WalletInfo is the public metadata record for one managed wallet.
type WalletInfo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Chain     Chain  `json:"chain"`
	Address   string `json:"address"`
	CreatedAt string `json:"created_at"`
}

type walletIndex struct {
	Wallets []WalletInfo `json:"wallets"`
}

type cachedKey struct {
	bytes      []byte
	accessedAt time.Time
}

// ErrWalletNotFound is returned when an operation targets an unknown wallet id.
var ErrWalletNotFound = errors.New("wallet not found")

// LocalKeyBackend stores wallet private keys encrypted at rest under
// dataDir, deriving the AES master key via Argon2id from a random raw key
// and salt. Decrypted key material is cached in memory with a TTL.
type LocalKeyBackend struct {
	mu         sync.Mutex
	dataDir    string
	masterKey  [32]byte
	index      walletIndex
	cachedKeys map[string]*cachedKey
}

// NewLocalKeyBackend opens (creating if absent) the key store at dataDir.
func NewLocalKeyBackend(dataDir string) (*LocalKeyBackend, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "keys"), 0o700); err != nil {
		return nil, fmt.Errorf("create key store dir: %w", err)
	}

	masterKey, err := loadOrCreateMasterKey(dataDir)
	if err != nil {
		return nil, err
	}
	index, err := loadIndex(dataDir)
	if err != nil {
		return nil, err
	}

	return &LocalKeyBackend{
		dataDir:    dataDir,
		masterKey:  masterKey,
		index:      index,
		cachedKeys: make(map[string]*cachedKey),
	}, nil
}

// loadOrCreateMasterKey reads the raw key + salt from disk, or generates
// them, then derives the AES key via Argon2id(m=64MiB, t=3, p=1, 32B) so a
// copied raw-key file alone isn't usable without the salt file alongside it.
func loadOrCreateMasterKey(dataDir string) ([32]byte, error) {
	keyPath := filepath.Join(dataDir, "master.key")
	saltPath := filepath.Join(dataDir, "master.salt")

	var rawKey [32]byte
	var salt [16]byte

	if _, err1 := os.Stat(keyPath); err1 == nil {
		if _, err2 := os.Stat(saltPath); err2 == nil {
			raw, err := os.ReadFile(keyPath)
			if err != nil {
				return [32]byte{}, fmt.Errorf("read master key: %w", err)
			}
			s, err := os.ReadFile(saltPath)
			if err != nil {
				return [32]byte{}, fmt.Errorf("read master salt: %w", err)
			}
			if len(raw) != 32 {
				return [32]byte{}, fmt.Errorf("master key has invalid length: %d", len(raw))
			}
			if len(s) != 16 {
				return [32]byte{}, fmt.Errorf("master salt has invalid length: %d", len(s))
			}
			copy(rawKey[:], raw)
			copy(salt[:], s)
			return deriveKey(rawKey, salt), nil
		}
	}

	if _, err := rand.Read(rawKey[:]); err != nil {
		return [32]byte{}, fmt.Errorf("generate master key: %w", err)
	}
	if _, err := rand.Read(salt[:]); err != nil {
		return [32]byte{}, fmt.Errorf("generate master salt: %w", err)
	}
	if err := os.WriteFile(keyPath, rawKey[:], 0o600); err != nil {
		return [32]byte{}, fmt.Errorf("write master key: %w", err)
	}
	if err := os.WriteFile(saltPath, salt[:], 0o600); err != nil {
		return [32]byte{}, fmt.Errorf("write master salt: %w", err)
	}
	logrus.Info("generated new master key + salt")

	return deriveKey(rawKey, salt), nil
}

func deriveKey(rawKey [32]byte, salt [16]byte) [32]byte {
	derived := argon2.IDKey(rawKey[:], salt[:], 3, 64*1024, 1, 32)
	var out [32]byte
	copy(out[:], derived)
	return out
}

func loadIndex(dataDir string) (walletIndex, error) {
	path := filepath.Join(dataDir, "wallets.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return walletIndex{}, nil
	}
	if err != nil {
		return walletIndex{}, fmt.Errorf("read wallet index: %w", err)
	}
	var idx walletIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return walletIndex{}, fmt.Errorf("parse wallet index: %w", err)
	}
	return idx, nil
}

func (b *LocalKeyBackend) saveIndex() error {
	path := filepath.Join(b.dataDir, "wallets.json")
	data, err := json.MarshalIndent(b.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write wallet index: %w", err)
	}
	return nil
}

func (b *LocalKeyBackend) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	// Format: nonce || ciphertext.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *LocalKeyBackend) decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("encrypted data too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func (b *LocalKeyBackend) keyPath(walletID string) string {
	return filepath.Join(b.dataDir, "keys", walletID+".enc")
}

// CreateWallet generates a fresh keypair for chain, encrypts the private key
// at rest, and records it in the wallet index.
func (b *LocalKeyBackend) CreateWallet(chain Chain, label string) (WalletInfo, error) {
	if len(label) > 128 {
		return WalletInfo{}, errors.New("wallet label too long (max 128 chars)")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var address string
	var keyBytes []byte

	switch chain {
	case ChainEthereum:
		priv, err := ethcrypto.GenerateKey()
		if err != nil {
			return WalletInfo{}, fmt.Errorf("generate eth key: %w", err)
		}
		address = ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()
		keyBytes = ethcrypto.FromECDSA(priv)
	case ChainSolana:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return WalletInfo{}, fmt.Errorf("generate sol key: %w", err)
		}
		address = base58.Encode(pub)
		// Store the 32-byte seed; ed25519.PrivateKey is seed||pubkey.
		keyBytes = priv.Seed()
	default:
		return WalletInfo{}, fmt.Errorf("unknown chain: %s", chain)
	}

	encrypted, err := b.encrypt(keyBytes)
	if err != nil {
		return WalletInfo{}, err
	}

	walletID := uuid.NewString()
	if err := os.WriteFile(b.keyPath(walletID), encrypted, 0o600); err != nil {
		return WalletInfo{}, fmt.Errorf("write encrypted key: %w", err)
	}

	info := WalletInfo{
		ID:        walletID,
		Label:     label,
		Chain:     chain,
		Address:   address,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	b.index.Wallets = append(b.index.Wallets, info)
	if err := b.saveIndex(); err != nil {
		return WalletInfo{}, err
	}

	logrus.WithFields(logrus.Fields{"wallet_id": info.ID, "chain": chain, "address": address}).Info("wallet created")
	return info, nil
}

// ListWallets returns every wallet's public metadata.
func (b *LocalKeyBackend) ListWallets() []WalletInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WalletInfo, len(b.index.Wallets))
	copy(out, b.index.Wallets)
	return out
}

func (b *LocalKeyBackend) findWallet(walletID string) (WalletInfo, error) {
	for _, w := range b.index.Wallets {
		if w.ID == walletID {
			return w, nil
		}
	}
	return WalletInfo{}, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
}

// loadKeyBytes returns the decrypted private key, serving from cache when
// fresh. Caller holds b.mu.
func (b *LocalKeyBackend) loadKeyBytes(walletID string) ([]byte, error) {
	b.evictStaleKeysLocked()

	if entry, ok := b.cachedKeys[walletID]; ok {
		entry.accessedAt = time.Now()
		out := make([]byte, len(entry.bytes))
		copy(out, entry.bytes)
		return out, nil
	}

	encrypted, err := os.ReadFile(b.keyPath(walletID))
	if err != nil {
		return nil, fmt.Errorf("read encrypted key: %w", err)
	}
	keyBytes, err := b.decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	b.cachedKeys[walletID] = &cachedKey{bytes: keyBytes, accessedAt: time.Now()}
	out := make([]byte, len(keyBytes))
	copy(out, keyBytes)
	return out, nil
}

// EvictStaleKeys drops cached key material untouched since keyCacheTTL.
func (b *LocalKeyBackend) EvictStaleKeys() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictStaleKeysLocked()
}

func (b *LocalKeyBackend) evictStaleKeysLocked() {
	now := time.Now()
	for id, entry := range b.cachedKeys {
		if now.Sub(entry.accessedAt) > keyCacheTTL {
			logrus.WithField("wallet_id", id).Debug("evicting cached key (TTL expired)")
			delete(b.cachedKeys, id)
		}
	}
}

// SignMessage signs arbitrary bytes with the wallet's key, using ECDSA
// (secp256k1, via go-ethereum's crypto package) for Ethereum wallets and
// Ed25519 for Solana wallets.
func (b *LocalKeyBackend) SignMessage(walletID string, message []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wallet, err := b.findWallet(walletID)
	if err != nil {
		return nil, err
	}
	keyBytes, err := b.loadKeyBytes(walletID)
	if err != nil {
		return nil, err
	}

	switch wallet.Chain {
	case ChainEthereum:
		priv, err := ethcrypto.ToECDSA(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid eth key: %w", err)
		}
		hash := ethcrypto.Keccak256(message)
		sig, err := ethcrypto.Sign(hash, priv)
		if err != nil {
			return nil, fmt.Errorf("sign: %w", err)
		}
		// Drop the recovery id byte to match the original's 64-byte r||s output.
		return sig[:64], nil
	case ChainSolana:
		if len(keyBytes) < 32 {
			return nil, fmt.Errorf("invalid sol key length: expected 32, got %d", len(keyBytes))
		}
		priv := ed25519.NewKeyFromSeed(keyBytes[:32])
		return ed25519.Sign(priv, message), nil
	default:
		return nil, fmt.Errorf("unknown chain: %s", wallet.Chain)
	}
}

// SignTransaction is an alias for SignMessage over already-serialized
// transaction bytes.
func (b *LocalKeyBackend) SignTransaction(walletID string, txBytes []byte) ([]byte, error) {
	return b.SignMessage(walletID, txBytes)
}

// LoadKeyBytes exposes the decrypted private key material for a wallet, for
// callers that need to build and sign a raw chain-specific transaction
// themselves (see BuildAndSignEIP1559 / BuildAndSignTransfer).
func (b *LocalKeyBackend) LoadKeyBytes(walletID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.findWallet(walletID); err != nil {
		return nil, err
	}
	return b.loadKeyBytes(walletID)
}

// WalletChain returns the chain a wallet was created for.
func (b *LocalKeyBackend) WalletChain(walletID string) (Chain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.findWallet(walletID)
	if err != nil {
		return "", err
	}
	return w.Chain, nil
}

// DeleteWallet removes the wallet's encrypted key file, evicts any cached
// key material, and drops it from the index.
func (b *LocalKeyBackend) DeleteWallet(walletID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.findWallet(walletID); err != nil {
		return err
	}

	path := b.keyPath(walletID)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove encrypted key file: %w", err)
		}
	}
	delete(b.cachedKeys, walletID)

	kept := b.index.Wallets[:0]
	for _, w := range b.index.Wallets {
		if w.ID != walletID {
			kept = append(kept, w)
		}
	}
	b.index.Wallets = kept
	if err := b.saveIndex(); err != nil {
		return err
	}

	logrus.WithField("wallet_id", walletID).Info("wallet deleted")
	return nil
}

// Address returns the wallet's public address.
func (b *LocalKeyBackend) Address(walletID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.findWallet(walletID)
	if err != nil {
		return "", err
	}
	return w.Address, nil
}

// WalletCount returns the number of managed wallets.
func (b *LocalKeyBackend) WalletCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index.Wallets)
}
