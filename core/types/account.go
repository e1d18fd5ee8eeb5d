package types

import "math/big"

// Account tracks the native-currency balance held by an address. Balances are
// denominated in wei and never go negative; all mutations happen inside a
// single engine operation.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceWei *big.Int `json:"balanceWei"`
}

// Clone returns a deep copy so callers can mutate the result without touching
// the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{BalanceWei: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, BalanceWei: big.NewInt(0)}
	if a.BalanceWei != nil {
		clone.BalanceWei = new(big.Int).Set(a.BalanceWei)
	}
	return clone
}
