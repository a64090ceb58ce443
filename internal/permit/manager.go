// Package permit decides whether a Permit2 allowance signature is needed and,
// when it is, validates the typed data before anything is signed.
package permit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"trade-executor/internal/apperr"
	"trade-executor/internal/vault"
)

// DefaultValidity is how far in the future signature deadlines are set.
const DefaultValidity = 30 * time.Minute

// HashSigner signs EIP-712 digests; vault.Signer satisfies it.
type HashSigner interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// Outcome describes what Authorize did.
type Outcome string

const (
	OutcomeSkipped           Outcome = "skipped_sufficient"
	OutcomeSigned            Outcome = "signed"
	OutcomeVerified          Outcome = "verified"
	OutcomeSignatureRequired Outcome = "signature_required"
)

// Options parameterise the manager.
type Options struct {
	ChainID  int64
	Permit2  common.Address
	Spenders []common.Address
	Validity time.Duration
	Now      func() time.Time
}

// Challenge is typed data proposed by an upstream party.
type Challenge struct {
	Domain  Domain
	Message PermitSingle
}

// Request asks for an allowance of Amount of Token from Owner to Spender.
type Request struct {
	Owner   common.Address
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
	// Challenge is adopted instead of building a fresh message when present.
	// A caller signing a proposal from an earlier Decision passes that
	// proposal back here so the same digest is verified.
	Challenge *Challenge
	// Signature is a caller-supplied signature to verify instead of signing.
	Signature []byte
	// Signer signs on the owner's behalf when no Signature is supplied.
	Signer HashSigner
}

// Decision is the result of Authorize.
type Decision struct {
	Outcome   Outcome
	Existing  Allowance
	Domain    Domain
	Message   *PermitSingle
	Digest    common.Hash
	Signature []byte
}

// Manager implements the allowance authorization flow.
type Manager struct {
	opts   Options
	caller Caller
	logger zerolog.Logger
}

// NewManager constructs a manager reading allowances through caller.
func NewManager(opts Options, caller Caller, logger zerolog.Logger) *Manager {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, caller: caller, logger: logger.With().Str("component", "permit").Logger()}
}

// Permit2 returns the allowance contract address.
func (m *Manager) Permit2() common.Address {
	return m.opts.Permit2
}

// Allowance reads the current Permit2 allowance directly from the contract.
func (m *Manager) Allowance(ctx context.Context, owner, token, spender common.Address) (Allowance, error) {
	return readAllowance(ctx, m.caller, m.opts.Permit2, owner, token, spender)
}

// Authorize skips signing when the on-chain allowance already covers the
// amount; otherwise it validates typed data and signs or verifies it.
func (m *Manager) Authorize(ctx context.Context, req Request) (Decision, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Decision{}, apperr.Validation(apperr.CodeInvalidRequest, "permit amount must be positive")
	}

	existing, err := m.Allowance(ctx, req.Owner, req.Token, req.Spender)
	if err != nil {
		return Decision{}, err
	}

	now := m.opts.Now()
	if sufficient(existing, req.Amount, now) {
		m.logger.Debug().
			Str("token", req.Token.Hex()).
			Str("spender", req.Spender.Hex()).
			Str("allowance", existing.Amount.String()).
			Msg("permit skipped, allowance sufficient")
		return Decision{Outcome: OutcomeSkipped, Existing: existing}, nil
	}

	domain, msg := m.prepare(req, existing, now)
	if err := m.Validate(domain, msg, req, existing, now); err != nil {
		return Decision{}, err
	}

	digest, err := Digest(domain, msg)
	if err != nil {
		return Decision{}, fmt.Errorf("permit digest: %w", err)
	}

	decision := Decision{Existing: existing, Domain: domain, Message: &msg, Digest: digest}

	switch {
	case len(req.Signature) > 0:
		if err := verify(digest, req.Signature, req.Owner); err != nil {
			return Decision{}, err
		}
		decision.Outcome = OutcomeVerified
		decision.Signature = req.Signature
	case req.Signer != nil:
		if req.Signer.Address() != req.Owner {
			return Decision{}, apperr.New(apperr.ClassAuthorization, apperr.CodeSignatureInvalid, "signer does not match permit owner")
		}
		sig, err := req.Signer.SignHash(digest.Bytes())
		if err != nil {
			return Decision{}, err
		}
		if err := verify(digest, sig, req.Owner); err != nil {
			return Decision{}, err
		}
		decision.Outcome = OutcomeSigned
		decision.Signature = sig
	default:
		decision.Outcome = OutcomeSignatureRequired
	}
	return decision, nil
}

func sufficient(existing Allowance, required *big.Int, now time.Time) bool {
	if existing.Amount == nil || existing.Amount.Cmp(required) < 0 {
		return false
	}
	return existing.Expiration != nil && existing.Expiration.Cmp(big.NewInt(now.Unix())) > 0
}

func (m *Manager) prepare(req Request, existing Allowance, now time.Time) (Domain, PermitSingle) {
	if req.Challenge != nil {
		return req.Challenge.Domain, req.Challenge.Message
	}

	deadline := big.NewInt(now.Add(m.opts.Validity).Unix())
	nonce := existing.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	return m.Domain(), PermitSingle{
		Details: PermitDetails{
			Token:      req.Token,
			Amount:     new(big.Int).Set(req.Amount),
			Expiration: new(big.Int).Set(deadline),
			Nonce:      new(big.Int).Set(nonce),
		},
		Spender:     req.Spender,
		SigDeadline: deadline,
	}
}

// Domain returns the expected Permit2 domain for the configured chain.
func (m *Manager) Domain() Domain {
	return Domain{Name: DomainName, ChainID: big.NewInt(m.opts.ChainID), VerifyingContract: m.opts.Permit2}
}

// Validate checks typed data against the known chain, contract and spender
// before it may be signed or accepted.
func (m *Manager) Validate(domain Domain, msg PermitSingle, req Request, existing Allowance, now time.Time) error {
	if domain.Name != DomainName {
		return invalid("domain name %q is not %s", domain.Name, DomainName)
	}
	if domain.ChainID == nil || domain.ChainID.Cmp(big.NewInt(m.opts.ChainID)) != 0 {
		return invalid("domain chain id %v does not match chain %d", domain.ChainID, m.opts.ChainID)
	}
	if domain.VerifyingContract != m.opts.Permit2 {
		return invalid("verifying contract %s is not the permit2 contract", domain.VerifyingContract.Hex())
	}
	if msg.Spender != req.Spender || !m.knownSpender(msg.Spender) {
		return invalid("spender %s is not an authorized spender", msg.Spender.Hex())
	}
	if msg.Details.Token != req.Token {
		return invalid("permit token %s does not match sell token %s", msg.Details.Token.Hex(), req.Token.Hex())
	}
	if msg.Details.Amount == nil || msg.Details.Amount.Cmp(req.Amount) < 0 || msg.Details.Amount.Cmp(maxUint160) > 0 {
		return invalid("permit amount does not cover the required amount")
	}
	if msg.Details.Nonce == nil || msg.Details.Nonce.Sign() < 0 || msg.Details.Nonce.Cmp(maxUint48) > 0 {
		return invalid("permit nonce must be a non-negative uint48")
	}
	if existing.Nonce != nil && msg.Details.Nonce.Cmp(existing.Nonce) != 0 {
		return invalid("permit nonce %s does not match on-chain nonce %s", msg.Details.Nonce, existing.Nonce)
	}
	unix := big.NewInt(now.Unix())
	if msg.SigDeadline == nil || msg.SigDeadline.Cmp(unix) <= 0 {
		return apperr.New(apperr.ClassAuthorization, apperr.CodeSignatureExpired, "permit signature deadline is not in the future")
	}
	if msg.Details.Expiration == nil || msg.Details.Expiration.Cmp(unix) <= 0 || msg.Details.Expiration.Cmp(maxUint48) > 0 {
		return apperr.New(apperr.ClassAuthorization, apperr.CodeSignatureExpired, "permit expiration is not in the future")
	}
	return nil
}

func (m *Manager) knownSpender(spender common.Address) bool {
	for _, known := range m.opts.Spenders {
		if known == spender {
			return true
		}
	}
	return false
}

func verify(digest common.Hash, sig []byte, owner common.Address) error {
	recovered, err := vault.RecoverAddress(digest.Bytes(), sig)
	if err != nil {
		return apperr.Wrap(err, apperr.ClassAuthorization, apperr.CodeSignatureInvalid, "permit signature malformed")
	}
	if recovered != owner {
		return apperr.New(apperr.ClassAuthorization, apperr.CodeSignatureInvalid, "permit signature does not recover to the owner").
			With("recovered", recovered.Hex())
	}
	return nil
}

func invalid(format string, args ...any) error {
	return apperr.New(apperr.ClassAuthorization, apperr.CodeSignatureInvalid, format, args...)
}

type challengeMessage struct {
	Details struct {
		Token      string  `json:"token"`
		Amount     flexInt `json:"amount"`
		Expiration flexInt `json:"expiration"`
		Nonce      flexInt `json:"nonce"`
	} `json:"details"`
	Spender     string  `json:"spender"`
	SigDeadline flexInt `json:"sigDeadline"`
}

// ParseChallenge converts an upstream PermitSingle typed-data message.
func ParseChallenge(primaryType string, domain Domain, message json.RawMessage) (*Challenge, error) {
	if primaryType != "PermitSingle" {
		return nil, apperr.UpstreamShape("unsupported permit primary type %q", primaryType)
	}
	var raw challengeMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return nil, apperr.UpstreamShape("decode permit message: %v", err)
	}
	if !common.IsHexAddress(raw.Details.Token) || !common.IsHexAddress(raw.Spender) {
		return nil, apperr.UpstreamShape("permit message addresses are malformed")
	}
	if raw.Details.Amount.Int == nil || raw.Details.Expiration.Int == nil || raw.Details.Nonce.Int == nil || raw.SigDeadline.Int == nil {
		return nil, apperr.UpstreamShape("permit message is missing numeric fields")
	}
	return &Challenge{
		Domain: domain,
		Message: PermitSingle{
			Details: PermitDetails{
				Token:      common.HexToAddress(raw.Details.Token),
				Amount:     raw.Details.Amount.Int,
				Expiration: raw.Details.Expiration.Int,
				Nonce:      raw.Details.Nonce.Int,
			},
			Spender:     common.HexToAddress(raw.Spender),
			SigDeadline: raw.SigDeadline.Int,
		},
	}, nil
}

type flexInt struct {
	*big.Int
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return fmt.Errorf("invalid integer %q", raw)
	}
	f.Int = value
	return nil
}
