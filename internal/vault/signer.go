package vault

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"trade-executor/internal/apperr"
)

// Signer signs on behalf of one custodied wallet. It only holds ciphertext;
// the private key is unwrapped per call.
type Signer struct {
	vault   *Vault
	address common.Address
	secret  EncryptedWalletSecret
}

// Signer binds a wallet envelope to the address it must derive to.
func (v *Vault) Signer(address common.Address, secret EncryptedWalletSecret) *Signer {
	return &Signer{vault: v, address: address, secret: secret}
}

// Address returns the expected signing address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignHash signs a 32-byte digest, returning r||s||v with v in {27,28}.
func (s *Signer) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != common.HashLength {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "digest must be %d bytes", common.HashLength)
	}

	var sig []byte
	err := s.withPrivateKey(func(key *ecdsa.PrivateKey) error {
		out, err := crypto.Sign(digest, key)
		if err != nil {
			return apperr.Custody(err, apperr.CodeSignatureInvalid, "sign digest")
		}
		out[crypto.RecoveryIDOffset] += 27
		sig = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// SignTx signs tx for chainID with the latest signer for that chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	var signed *types.Transaction
	err := s.withPrivateKey(func(key *ecdsa.PrivateKey) error {
		out, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		if err != nil {
			return apperr.Custody(err, apperr.CodeSignatureInvalid, "sign transaction")
		}
		signed = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

func (s *Signer) withPrivateKey(fn func(*ecdsa.PrivateKey) error) error {
	return s.vault.WithKey(s.secret, func(raw []byte) error {
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return apperr.Custody(err, apperr.CodeDecryptionFailed, "unwrapped key is not a valid secp256k1 scalar")
		}
		defer zeroScalar(key)

		derived := crypto.PubkeyToAddress(key.PublicKey)
		if derived != s.address {
			return apperr.Custody(nil, apperr.CodeCustodyAddressMismatch, "custodied key does not derive the wallet address").
				With("expected", s.address.Hex())
		}
		return fn(key)
	})
}

func zeroScalar(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}

// RecoverAddress returns the signer of digest for a 65-byte r||s||v signature.
// Both {0,1} and {27,28} recovery ids are accepted.
func RecoverAddress(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, apperr.Validation(apperr.CodeSignatureInvalid, "signature must be %d bytes", crypto.SignatureLength)
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, apperr.Wrap(err, apperr.ClassValidation, apperr.CodeSignatureInvalid, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
