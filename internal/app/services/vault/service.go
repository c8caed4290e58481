// Package vault holds custodial signing keys. Secrets are generated inside
// the package, stored encrypted, and decrypted only for the duration of a
// signing call; plaintext never crosses the package boundary.
package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/pkg/logger"
)

var (
	// ErrAlreadyExists is returned when an account already has a main wallet.
	ErrAlreadyExists = errors.New("wallet already exists")
	// ErrNotFound is returned when no wallet matches the signing request.
	ErrNotFound = errors.New("wallet not found")
	// ErrDecryption is returned for corrupt ciphertext or a key mismatch.
	// It is fatal for the intent: retrying cannot repair it.
	ErrDecryption = errors.New("wallet decryption failed")
)

// vanityAttempts bounds brute-force generation of vanity addresses.
const vanityAttempts = 1 << 22

// Signature is the signed form of one operation.
type Signature struct {
	PublicKey []byte
	Signature []byte
}

// Service implements custodial key management.
type Service struct {
	accounts storage.AccountStore
	cipher   *Cipher
	log      *logger.Logger

	operatorPriv    ed25519.PrivateKey
	operatorAddress string
}

// New creates a vault over the given account store. masterKey protects
// wallet secrets at rest; operatorSeed (32 bytes) is the service's own
// fee-collection key.
func New(accounts storage.AccountStore, masterKey, operatorSeed []byte, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("vault")
	}

	dataKey, err := DeriveDataKey(masterKey, "wallet-key-v1")
	if err != nil {
		return nil, err
	}
	cipher, err := NewCipher(dataKey)
	if err != nil {
		return nil, err
	}

	s := &Service{
		accounts: accounts,
		cipher:   cipher,
		log:      log,
	}

	if len(operatorSeed) > 0 {
		if len(operatorSeed) != ed25519.SeedSize {
			return nil, fmt.Errorf("operator seed must be %d bytes, got %d", ed25519.SeedSize, len(operatorSeed))
		}
		s.operatorPriv = ed25519.NewKeyFromSeed(operatorSeed)
		s.operatorAddress = AddressFromPublicKey(s.operatorPriv.Public().(ed25519.PublicKey))
	}

	return s, nil
}

// OperatorAddress is the fee-collection address, empty when no operator key
// is configured.
func (s *Service) OperatorAddress() string { return s.operatorAddress }

// AddressFromPublicKey renders a public key as a ledger address.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// CreateWallet generates the main custodial wallet for an account. The
// account record is created on first use.
func (s *Service) CreateWallet(ctx context.Context, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", fmt.Errorf("account_id is required")
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		acct, err = s.accounts.CreateAccount(ctx, account.Account{ID: accountID})
		if err != nil {
			return "", fmt.Errorf("create account: %w", err)
		}
	}
	if acct.HasWallet() {
		return "", fmt.Errorf("%w: account %s", ErrAlreadyExists, accountID)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate keypair: %w", err)
	}
	defer memguard.WipeBytes(priv)

	sealed, err := s.cipher.Encrypt(priv)
	if err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}

	acct.PublicAddress = AddressFromPublicKey(pub)
	acct.EncryptedSecret = sealed
	if _, err := s.accounts.UpdateAccount(ctx, acct); err != nil {
		return "", fmt.Errorf("persist wallet: %w", err)
	}

	s.log.WithField("account_id", accountID).Info("custodial wallet created")
	return acct.PublicAddress, nil
}

// CreateAuxWallet generates (or replaces) the account's auxiliary wallet.
// When suffix is non-empty the address is brute-forced until it ends with
// the requested hex suffix, bounded by vanityAttempts.
func (s *Service) CreateAuxWallet(ctx context.Context, accountID, suffix string) (string, error) {
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if len(suffix) > 4 {
		return "", fmt.Errorf("suffix must be at most 4 characters")
	}
	if suffix != "" {
		if _, err := strconv.ParseUint(suffix, 16, 64); err != nil {
			return "", fmt.Errorf("suffix must be hex characters")
		}
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if !acct.HasWallet() {
		return "", fmt.Errorf("%w: account %s has no main wallet", ErrNotFound, accountID)
	}

	var (
		pub  ed25519.PublicKey
		priv ed25519.PrivateKey
		addr string
	)
	for attempt := 0; ; attempt++ {
		if attempt >= vanityAttempts {
			return "", fmt.Errorf("no address with suffix %q found within %d attempts", suffix, vanityAttempts)
		}
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", fmt.Errorf("generate keypair: %w", err)
		}
		addr = AddressFromPublicKey(pub)
		if suffix == "" || strings.HasSuffix(addr, suffix) {
			break
		}
		memguard.WipeBytes(priv)
	}
	defer memguard.WipeBytes(priv)

	sealed, err := s.cipher.Encrypt(priv)
	if err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}

	acct.AuxAddress = addr
	acct.AuxEncryptedSecret = sealed
	if _, err := s.accounts.UpdateAccount(ctx, acct); err != nil {
		return "", fmt.Errorf("persist wallet: %w", err)
	}

	s.log.WithField("account_id", accountID).
		WithField("suffix", suffix).
		Info("auxiliary wallet created")
	return addr, nil
}

// OperationDigest is the canonical signing digest for one operation within a
// set. The ref binds the signature to a specific intent occurrence.
func OperationDigest(ref string, op transfer.Operation) []byte {
	payload := strings.Join([]string{
		ref,
		string(op.Kind),
		op.Source,
		op.Destination,
		strconv.FormatInt(op.Amount, 10),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return sum[:]
}

// SignOperation signs one operation with the key owning op.Source: the
// operator key for operator-funded operations, otherwise the custodial
// wallet whose address matches.
func (s *Service) SignOperation(ctx context.Context, ref string, op transfer.Operation) (Signature, error) {
	digest := OperationDigest(ref, op)

	if s.operatorAddress != "" && op.Source == s.operatorAddress {
		return Signature{
			PublicKey: append([]byte(nil), s.operatorPriv.Public().(ed25519.PublicKey)...),
			Signature: ed25519.Sign(s.operatorPriv, digest),
		}, nil
	}

	acct, err := s.accounts.GetAccountByAddress(ctx, op.Source)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: address %s", ErrNotFound, op.Source)
	}

	sealed := acct.EncryptedSecret
	if acct.AuxAddress == op.Source {
		sealed = acct.AuxEncryptedSecret
	}
	if len(sealed) == 0 {
		return Signature{}, fmt.Errorf("%w: address %s", ErrNotFound, op.Source)
	}

	priv, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer memguard.WipeBytes(priv)

	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("%w: unexpected key length %d", ErrDecryption, len(priv))
	}

	key := ed25519.PrivateKey(priv)
	sig := Signature{
		PublicKey: append([]byte(nil), key.Public().(ed25519.PublicKey)...),
		Signature: ed25519.Sign(key, digest),
	}
	return sig, nil
}
