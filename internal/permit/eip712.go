package permit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DomainName is the EIP-712 domain name of the Permit2 contract.
const DomainName = "Permit2"

var (
	domainTypeHash        = crypto.Keccak256Hash([]byte("EIP712Domain(string name,uint256 chainId,address verifyingContract)"))
	permitDetailsTypeHash = crypto.Keccak256Hash([]byte("PermitDetails(address token,uint160 amount,uint48 expiration,uint48 nonce)"))
	permitSingleTypeHash  = crypto.Keccak256Hash([]byte("PermitSingle(PermitDetails details,address spender,uint256 sigDeadline)PermitDetails(address token,uint160 amount,uint48 expiration,uint48 nonce)"))

	bytes32Ty = mustABIType("bytes32")
	addressTy = mustABIType("address")
	// uintN words encode identically to uint256.
	uint256Ty = mustABIType("uint256")

	maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	maxUint48  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))
)

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// Domain is the typed-data domain of a Permit2 deployment.
type Domain struct {
	Name              string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// PermitDetails mirrors the Permit2 PermitDetails struct.
type PermitDetails struct {
	Token      common.Address
	Amount     *big.Int
	Expiration *big.Int
	Nonce      *big.Int
}

// PermitSingle mirrors the Permit2 PermitSingle struct.
type PermitSingle struct {
	Details     PermitDetails
	Spender     common.Address
	SigDeadline *big.Int
}

// Separator returns the EIP-712 domain separator.
func (d Domain) Separator() (common.Hash, error) {
	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: uint256Ty},
		{Type: addressTy},
	}.Pack(
		domainTypeHash,
		crypto.Keccak256Hash([]byte(d.Name)),
		d.ChainID,
		d.VerifyingContract,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// StructHash returns hashStruct(PermitSingle).
func (p PermitSingle) StructHash() (common.Hash, error) {
	details, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: uint256Ty},
		{Type: uint256Ty},
		{Type: uint256Ty},
	}.Pack(
		permitDetailsTypeHash,
		p.Details.Token,
		p.Details.Amount,
		p.Details.Expiration,
		p.Details.Nonce,
	)
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: uint256Ty},
	}.Pack(
		permitSingleTypeHash,
		crypto.Keccak256Hash(details),
		p.Spender,
		p.SigDeadline,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Digest returns keccak256("\x19\x01" || domainSeparator || structHash).
func Digest(domain Domain, msg PermitSingle) (common.Hash, error) {
	separator, err := domain.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	structHash, err := msg.StructHash()
	if err != nil {
		return common.Hash{}, err
	}

	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, separator.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return crypto.Keccak256Hash(raw), nil
}
