package state

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Capability roles recognised across the engines. Role membership is the only
// ambient authority in the system; everything else is relationship based
// (creator, originator, requester).
const (
	RoleDefaultAdmin    = "ROLE_DEFAULT_ADMIN"
	RoleEntityLinker    = "ROLE_ENTITY_LINKER"
	RolePartnerLinker   = "ROLE_PARTNER_LINKER"
	RoleCreditTransfer  = "ROLE_CREDIT_TRANSFER"
	RoleDisputeResolver = "ROLE_DISPUTE_RESOLVER"
)

var rolePrefix = []byte("role:")

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return ethcrypto.Keccak256(buf)
}

type roleMember struct {
	Addr        []byte
	ActivatesAt uint64
}

func (m *Manager) loadRoleMembers(role string) ([]roleMember, error) {
	var members []roleMember
	ok, err := m.KVGet(roleKey(role), &members)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []roleMember{}, nil
	}
	return members, nil
}

func (m *Manager) writeRoleMembers(role string, members []roleMember) error {
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i].Addr) < hex.EncodeToString(members[j].Addr)
	})
	return m.KVPut(roleKey(role), members)
}

// SetRole associates an address with the specified role. The grant stays
// pending for the configured activation delay; duplicate assignments are
// ignored while the stored list remains sorted for determinism.
func (m *Manager) SetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("state: role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	members, err := m.loadRoleMembers(trimmed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if bytes.Equal(existing.Addr, addr) {
			return nil
		}
	}
	activates := m.now() + m.roleDelay
	members = append(members, roleMember{Addr: append([]byte(nil), addr...), ActivatesAt: uint64(activates)})
	return m.writeRoleMembers(trimmed, members)
}

// BootstrapRole grants a role with immediate effect. Reserved for genesis
// wiring before the activation delay applies.
func (m *Manager) BootstrapRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("state: role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	members, err := m.loadRoleMembers(trimmed)
	if err != nil {
		return err
	}
	for i, existing := range members {
		if bytes.Equal(existing.Addr, addr) {
			members[i].ActivatesAt = 0
			return m.writeRoleMembers(trimmed, members)
		}
	}
	members = append(members, roleMember{Addr: append([]byte(nil), addr...)})
	return m.writeRoleMembers(trimmed, members)
}

// RemoveRole revokes a role membership. Revocation takes effect immediately.
func (m *Manager) RemoveRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	members, err := m.loadRoleMembers(trimmed)
	if err != nil {
		return err
	}
	filtered := members[:0]
	for _, existing := range members {
		if !bytes.Equal(existing.Addr, addr) {
			filtered = append(filtered, existing)
		}
	}
	return m.writeRoleMembers(trimmed, filtered)
}

// HasRole reports whether the provided address holds an activated membership
// in the specified role. Read errors result in a false return, matching the
// best-effort semantics required by the engine callers.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	members, err := m.loadRoleMembers(strings.TrimSpace(role))
	if err != nil {
		return false
	}
	now := m.now()
	for _, member := range members {
		if bytes.Equal(member.Addr, addr) {
			return member.ActivatesAt <= uint64(now)
		}
	}
	return false
}

// RoleMembers returns all activated addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([][]byte, error) {
	members, err := m.loadRoleMembers(strings.TrimSpace(role))
	if err != nil {
		return nil, err
	}
	now := uint64(m.now())
	active := make([][]byte, 0, len(members))
	for _, member := range members {
		if member.ActivatesAt <= now {
			active = append(active, append([]byte(nil), member.Addr...))
		}
	}
	return active, nil
}
