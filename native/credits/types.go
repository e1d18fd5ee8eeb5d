package credits

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Visibility is the per-entity ledger record. The entity is identified by an
// opaque string key and addressed in state by its keccak256 hash; the record
// itself is created lazily on first trade and is immutable in identity.
type Visibility struct {
	ID                  string   `json:"id"`
	Creator             [20]byte `json:"creator"`
	TotalSupply         *big.Int `json:"totalSupply"`
	ClaimableFeeBalance *big.Int `json:"claimableFeeBalance"`
}

// Clone returns a deep copy so callers can safely mutate the result.
func (v *Visibility) Clone() *Visibility {
	if v == nil {
		return nil
	}
	clone := *v
	if v.TotalSupply != nil {
		clone.TotalSupply = new(big.Int).Set(v.TotalSupply)
	} else {
		clone.TotalSupply = big.NewInt(0)
	}
	if v.ClaimableFeeBalance != nil {
		clone.ClaimableFeeBalance = new(big.Int).Set(v.ClaimableFeeBalance)
	} else {
		clone.ClaimableFeeBalance = big.NewInt(0)
	}
	return &clone
}

// NormalizeVisibilityID canonicalises an entity key. Keys are free-form but
// must not be empty after trimming.
func NormalizeVisibilityID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("credits: visibility id required")
	}
	return trimmed, nil
}

// VisibilityKeyHash derives the state address for an entity key.
func VisibilityKeyHash(id string) [32]byte {
	var hash [32]byte
	copy(hash[:], ethcrypto.Keccak256([]byte(id)))
	return hash
}

func newVisibility(id string) *Visibility {
	return &Visibility{
		ID:                  id,
		TotalSupply:         big.NewInt(0),
		ClaimableFeeBalance: big.NewInt(0),
	}
}
