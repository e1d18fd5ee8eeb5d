package state

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"vismarket/core/types"
	"vismarket/storage"
)

// Manager provides typed access to the engine state stored in the underlying
// key-value database. Values are RLP encoded and keys are keccak256 hashed so
// layout stays uniform regardless of the logical key length.
type Manager struct {
	db        storage.Database
	roleDelay int64
	nowFn     func() int64
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:    db,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetRoleActivationDelay configures how long a role grant stays pending
// before HasRole reports it. Applies to every role, including the admin role.
func (m *Manager) SetRoleActivationDelay(seconds int64) {
	if m == nil || seconds < 0 {
		return
	}
	m.roleDelay = seconds
}

// SetNowFunc overrides the clock used for role activation checks. Intended
// for deterministic tests.
func (m *Manager) SetNowFunc(now func() int64) {
	if m == nil {
		return
	}
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
}

func (m *Manager) now() int64 {
	if m == nil || m.nowFn == nil {
		return time.Now().Unix()
	}
	return m.nowFn()
}

var accountPrefix = []byte("account:")

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

type storedAccount struct {
	Nonce      uint64
	BalanceWei *big.Int
}

// GetAccount loads the account for the supplied address, returning a zeroed
// account when none has been stored yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	data, err := m.db.Get(accountKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &types.Account{BalanceWei: big.NewInt(0)}, nil
		}
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	account := &types.Account{Nonce: stored.Nonce, BalanceWei: stored.BalanceWei}
	if account.BalanceWei == nil {
		account.BalanceWei = big.NewInt(0)
	}
	return account, nil
}

// PutAccount persists the supplied account under the address key.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	balance := account.BalanceWei
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance for account %x", addr)
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, BalanceWei: balance})
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), encoded)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet loads the value stored under key into out, reporting whether a value
// was present.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("state: manager unavailable")
	}
	data, err := m.db.Get(kvKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
