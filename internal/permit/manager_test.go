package permit

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-executor/internal/apperr"
	"trade-executor/internal/vault"
)

var (
	permit2  = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	spender  = common.HexToAddress("0x0000000000001fF3684f28c67538d4D072C22734")
	token    = common.HexToAddress("0x4200000000000000000000000000000000000006")
	fixedNow = time.Unix(1_760_000_000, 0)
)

type fakeCaller struct {
	amount, expiration, nonce *big.Int
	calls                     int
	last                      ethereum.CallMsg
}

func (f *fakeCaller) Call(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.calls++
	f.last = msg
	return permit2ABI.Methods["allowance"].Outputs.Pack(f.amount, f.expiration, f.nonce)
}

type countingSigner struct {
	inner HashSigner
	calls int
}

func (s *countingSigner) Address() common.Address { return s.inner.Address() }

func (s *countingSigner) SignHash(digest []byte) ([]byte, error) {
	s.calls++
	return s.inner.SignHash(digest)
}

func newSigner(t *testing.T) *countingSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	v := vault.New(map[int]string{1: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"}, 1)
	raw := crypto.FromECDSA(key)
	secret, err := v.Wrap(raw)
	require.NoError(t, err)
	vault.Zero(raw)

	return &countingSigner{inner: v.Signer(crypto.PubkeyToAddress(key.PublicKey), secret)}
}

func newManager(caller Caller) *Manager {
	return NewManager(Options{
		ChainID:  8453,
		Permit2:  permit2,
		Spenders: []common.Address{spender},
		Now:      func() time.Time { return fixedNow },
	}, caller, zerolog.Nop())
}

func future() *big.Int { return big.NewInt(fixedNow.Add(time.Hour).Unix()) }

var two64 = new(big.Int).Lsh(big.NewInt(1), 64)

func TestAuthorizeSkipsWhenAllowanceSufficient(t *testing.T) {
	caller := &fakeCaller{amount: big.NewInt(500), expiration: future(), nonce: big.NewInt(3)}
	signer := newSigner(t)

	decision, err := newManager(caller).Authorize(context.Background(), Request{
		Owner: signer.Address(), Token: token, Spender: spender, Amount: big.NewInt(100), Signer: signer,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, decision.Outcome)
	assert.Nil(t, decision.Signature)
	assert.Zero(t, signer.calls)

	require.NotNil(t, caller.last.To)
	assert.Equal(t, permit2, *caller.last.To, "allowance must be read from the permit2 contract")
}

func TestAuthorizeSignsWhenAllowanceMissing(t *testing.T) {
	caller := &fakeCaller{amount: big.NewInt(0), expiration: big.NewInt(0), nonce: big.NewInt(0)}
	signer := newSigner(t)

	decision, err := newManager(caller).Authorize(context.Background(), Request{
		Owner: signer.Address(), Token: token, Spender: spender, Amount: big.NewInt(100), Signer: signer,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSigned, decision.Outcome)
	assert.Equal(t, 1, signer.calls)
	require.Len(t, decision.Signature, 65)

	assert.Equal(t, DomainName, decision.Domain.Name)
	assert.Equal(t, permit2, decision.Domain.VerifyingContract)
	assert.Equal(t, spender, decision.Message.Spender)
	assert.Equal(t, fixedNow.Add(DefaultValidity).Unix(), decision.Message.SigDeadline.Int64())

	recovered, err := vault.RecoverAddress(decision.Digest.Bytes(), decision.Signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestAuthorizeExpiredAllowanceIsNotSufficient(t *testing.T) {
	caller := &fakeCaller{amount: big.NewInt(500), expiration: big.NewInt(fixedNow.Add(-time.Minute).Unix()), nonce: big.NewInt(1)}
	signer := newSigner(t)

	decision, err := newManager(caller).Authorize(context.Background(), Request{
		Owner: signer.Address(), Token: token, Spender: spender, Amount: big.NewInt(100), Signer: signer,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSigned, decision.Outcome)
	assert.Equal(t, int64(1), decision.Message.Details.Nonce.Int64())
}

func TestAuthorizeWithoutSignerRequiresSignature(t *testing.T) {
	caller := &fakeCaller{amount: big.NewInt(0), expiration: big.NewInt(0), nonce: big.NewInt(0)}

	decision, err := newManager(caller).Authorize(context.Background(), Request{
		Owner: common.HexToAddress("0xaa"), Token: token, Spender: spender, Amount: big.NewInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSignatureRequired, decision.Outcome)
	assert.NotEqual(t, common.Hash{}, decision.Digest)
}

func TestAuthorizeRejectsBadChallengeBeforeSigning(t *testing.T) {
	signer := newSigner(t)
	base := func() *Challenge {
		return &Challenge{
			Domain: Domain{Name: DomainName, ChainID: big.NewInt(8453), VerifyingContract: permit2},
			Message: PermitSingle{
				Details:     PermitDetails{Token: token, Amount: big.NewInt(100), Expiration: future(), Nonce: big.NewInt(0)},
				Spender:     spender,
				SigDeadline: future(),
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(c *Challenge)
		code   apperr.Code
	}{
		{"wrong chain", func(c *Challenge) { c.Domain.ChainID = big.NewInt(1) }, apperr.CodeSignatureInvalid},
		{"wrong domain name", func(c *Challenge) { c.Domain.Name = "Permit3" }, apperr.CodeSignatureInvalid},
		{"wrong verifying contract", func(c *Challenge) { c.Domain.VerifyingContract = common.HexToAddress("0xbad") }, apperr.CodeSignatureInvalid},
		{"unknown spender", func(c *Challenge) { c.Message.Spender = common.HexToAddress("0xbad") }, apperr.CodeSignatureInvalid},
		{"wrong token", func(c *Challenge) { c.Message.Details.Token = common.HexToAddress("0xbad") }, apperr.CodeSignatureInvalid},
		{"amount too small", func(c *Challenge) { c.Message.Details.Amount = big.NewInt(99) }, apperr.CodeSignatureInvalid},
		{"negative nonce", func(c *Challenge) { c.Message.Details.Nonce = big.NewInt(-1) }, apperr.CodeSignatureInvalid},
		{"stale nonce", func(c *Challenge) { c.Message.Details.Nonce = big.NewInt(4) }, apperr.CodeSignatureInvalid},
		{"expired deadline", func(c *Challenge) { c.Message.SigDeadline = big.NewInt(fixedNow.Unix()) }, apperr.CodeSignatureExpired},
		{"expired allowance", func(c *Challenge) { c.Message.Details.Expiration = big.NewInt(fixedNow.Unix() - 1) }, apperr.CodeSignatureExpired},
		{"negative deadline above int64", func(c *Challenge) { c.Message.SigDeadline = new(big.Int).Sub(future(), two64) }, apperr.CodeSignatureExpired},
		{"negative expiration above int64", func(c *Challenge) { c.Message.Details.Expiration = new(big.Int).Sub(future(), two64) }, apperr.CodeSignatureExpired},
		{"expiration beyond uint48", func(c *Challenge) { c.Message.Details.Expiration = new(big.Int).Add(two64, future()) }, apperr.CodeSignatureExpired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller := &fakeCaller{amount: big.NewInt(0), expiration: big.NewInt(0), nonce: big.NewInt(0)}
			challenge := base()
			tc.mutate(challenge)

			_, err := newManager(caller).Authorize(context.Background(), Request{
				Owner: signer.Address(), Token: token, Spender: spender, Amount: big.NewInt(100),
				Challenge: challenge, Signer: signer,
			})
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, tc.code), "got %v", err)
		})
	}
	assert.Zero(t, signer.calls, "nothing may be signed after a validation failure")
}

func TestAuthorizeVerifiesCallerSignature(t *testing.T) {
	owner := newSigner(t)
	other := newSigner(t)
	caller := &fakeCaller{amount: big.NewInt(0), expiration: big.NewInt(0), nonce: big.NewInt(0)}
	manager := newManager(caller)

	req := Request{Owner: owner.Address(), Token: token, Spender: spender, Amount: big.NewInt(100)}
	pending, err := manager.Authorize(context.Background(), req)
	require.NoError(t, err)

	good, err := owner.SignHash(pending.Digest.Bytes())
	require.NoError(t, err)
	req.Signature = good
	decision, err := manager.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, decision.Outcome)

	bad, err := other.SignHash(pending.Digest.Bytes())
	require.NoError(t, err)
	req.Signature = bad
	_, err = manager.Authorize(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.CodeSignatureInvalid))
}

func TestAuthorizeAcceptsDeadlineBeyondInt64(t *testing.T) {
	signer := newSigner(t)
	caller := &fakeCaller{amount: big.NewInt(0), expiration: big.NewInt(0), nonce: big.NewInt(0)}
	challenge := &Challenge{
		Domain: Domain{Name: DomainName, ChainID: big.NewInt(8453), VerifyingContract: permit2},
		Message: PermitSingle{
			Details:     PermitDetails{Token: token, Amount: big.NewInt(100), Expiration: future(), Nonce: big.NewInt(0)},
			Spender:     spender,
			SigDeadline: new(big.Int).Add(two64, big.NewInt(1)),
		},
	}

	decision, err := newManager(caller).Authorize(context.Background(), Request{
		Owner: signer.Address(), Token: token, Spender: spender, Amount: big.NewInt(100),
		Challenge: challenge, Signer: signer,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSigned, decision.Outcome)
}

func TestAuthorizeVerifiesProposalAfterClockMoves(t *testing.T) {
	owner := newSigner(t)
	caller := &fakeCaller{amount: big.NewInt(0), expiration: big.NewInt(0), nonce: big.NewInt(0)}
	now := fixedNow
	manager := NewManager(Options{
		ChainID:  8453,
		Permit2:  permit2,
		Spenders: []common.Address{spender},
		Now:      func() time.Time { return now },
	}, caller, zerolog.Nop())

	req := Request{Owner: owner.Address(), Token: token, Spender: spender, Amount: big.NewInt(100)}
	pending, err := manager.Authorize(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OutcomeSignatureRequired, pending.Outcome)

	sig, err := owner.SignHash(pending.Digest.Bytes())
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	req.Signature = sig
	_, err = manager.Authorize(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.CodeSignatureInvalid), "a fresh message no longer matches the signed digest")

	req.Challenge = &Challenge{Domain: pending.Domain, Message: *pending.Message}
	decision, err := manager.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVerified, decision.Outcome)
	assert.Equal(t, pending.Digest, decision.Digest)

	now = fixedNow.Add(DefaultValidity)
	_, err = manager.Authorize(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.CodeSignatureExpired))
}

func TestDigestMatchesTypedDataHash(t *testing.T) {
	domain := Domain{Name: DomainName, ChainID: big.NewInt(8453), VerifyingContract: permit2}
	msg := PermitSingle{
		Details: PermitDetails{
			Token:      token,
			Amount:     big.NewInt(1_000_000),
			Expiration: big.NewInt(1_760_001_800),
			Nonce:      big.NewInt(7),
		},
		Spender:     spender,
		SigDeadline: big.NewInt(1_760_001_800),
	}

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PermitSingle": {
				{Name: "details", Type: "PermitDetails"},
				{Name: "spender", Type: "address"},
				{Name: "sigDeadline", Type: "uint256"},
			},
			"PermitDetails": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint160"},
				{Name: "expiration", Type: "uint48"},
				{Name: "nonce", Type: "uint48"},
			},
		},
		PrimaryType: "PermitSingle",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			ChainId:           math.NewHexOrDecimal256(8453),
			VerifyingContract: permit2.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"details": map[string]interface{}{
				"token":      token.Hex(),
				"amount":     "1000000",
				"expiration": "1760001800",
				"nonce":      "7",
			},
			"spender":     spender.Hex(),
			"sigDeadline": "1760001800",
		},
	}

	want, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)

	got, err := Digest(domain, msg)
	require.NoError(t, err)
	assert.Equal(t, want, got.Bytes())
}

func TestAppendSignatureLayout(t *testing.T) {
	calldata := []byte{0x01, 0x02}
	sig := bytes.Repeat([]byte{0xab}, 65)

	out := AppendSignature(calldata, sig)
	require.Len(t, out, 2+32+65)
	assert.Equal(t, calldata, out[:2])
	assert.Equal(t, int64(65), new(big.Int).SetBytes(out[2:34]).Int64())
	assert.Equal(t, sig, out[34:])
}

func TestPermitCalldataRoundTrip(t *testing.T) {
	msg := PermitSingle{
		Details:     PermitDetails{Token: token, Amount: big.NewInt(1), Expiration: big.NewInt(2), Nonce: big.NewInt(0)},
		Spender:     spender,
		SigDeadline: big.NewInt(3),
	}
	owner := common.HexToAddress("0xaa")
	sig := bytes.Repeat([]byte{1}, 65)
	data, err := PermitCalldata(owner, msg, sig)
	require.NoError(t, err)

	method := permit2ABI.Methods["permit"]
	assert.Equal(t, method.ID, data[:4])
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, owner, args[0])
	assert.Equal(t, sig, args[2])
}

func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingAppended, enc)
	enc, err = ParseEncoding(" Standalone ")
	require.NoError(t, err)
	assert.Equal(t, EncodingStandalone, enc)
	_, err = ParseEncoding("inline")
	assert.Error(t, err)
}

func TestParseChallenge(t *testing.T) {
	raw := json.RawMessage(`{"details":{"token":"` + token.Hex() + `","amount":"100","expiration":"1760001800","nonce":0},"spender":"` + spender.Hex() + `","sigDeadline":"1760001800"}`)
	domain := Domain{Name: DomainName, ChainID: big.NewInt(8453), VerifyingContract: permit2}

	challenge, err := ParseChallenge("PermitSingle", domain, raw)
	require.NoError(t, err)
	assert.Equal(t, token, challenge.Message.Details.Token)
	assert.Equal(t, int64(100), challenge.Message.Details.Amount.Int64())
	assert.Equal(t, int64(0), challenge.Message.Details.Nonce.Int64())

	_, err = ParseChallenge("PermitTransferFrom", domain, raw)
	assert.True(t, apperr.HasCode(err, apperr.CodeUpstreamShape))
}
