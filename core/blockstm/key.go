package blockstm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PathKind tags a StorageKey as holding ordinary account/contract data or
// compiled module (code) bytes. The module-path exclusivity rule in
// DetectModulePathConflict only cares about this tag.
type PathKind uint8

const (
	KindData PathKind = iota
	KindModule
)

func (k PathKind) String() string {
	if k == KindModule {
		return "module"
	}

	return "data"
}

// Reserved subpath discriminants for NewSubpathKey, matching the fields VM
// tasks commonly touch on an account: balance, nonce and code. Any other
// positive subpath is treated as an opaque per-account data slot.
const (
	SubpathBalance = 1
	SubpathNonce   = 2
	SubpathCode    = 3
)

// Key is the StorageKey of spec §3: opaque bytes plus a path-kind tag.
// Equality and hashing are on the full tuple, which is why every field below
// is a comparable Go value - Key is used directly as a map key throughout
// the versioned map and read/write sets.
type Key struct {
	kind    PathKind
	addr    common.Address
	subpath int // 0 means "not a subpath key"
	hash    common.Hash
	raw     string
}

// NewAddressKey builds the whole-account key for addr (kind Data).
func NewAddressKey(addr common.Address) Key {
	return Key{kind: KindData, addr: addr}
}

// NewSubpathKey builds the key for one reserved field of an account.
// subpath == SubpathCode is tagged KindModule; every other subpath is
// KindData, matching the spec's "compiled code is the only Module-tagged
// data" contract.
func NewSubpathKey(addr common.Address, subpath int) Key {
	kind := KindData
	if subpath == SubpathCode {
		kind = KindModule
	}

	return Key{kind: kind, addr: addr, subpath: subpath}
}

// NewStateKey builds the key for one contract storage slot (kind Data).
func NewStateKey(addr common.Address, slot common.Hash) Key {
	return Key{kind: KindData, addr: addr, subpath: -1, hash: slot}
}

// NewModuleKey builds a module (installed-code) key for addr directly,
// without routing through the subpath convention.
func NewModuleKey(addr common.Address) Key {
	return Key{kind: KindModule, addr: addr, subpath: SubpathCode}
}

// NewRawKey builds an opaque key from caller-supplied bytes under the given
// kind, for callers that don't model storage as (address, field).
func NewRawKey(kind PathKind, raw []byte) Key {
	return Key{kind: kind, raw: string(raw)}
}

func (k Key) Kind() PathKind { return k.kind }

func (k Key) IsModule() bool { return k.kind == KindModule }

// IsSubpath reports whether this key was built via NewSubpathKey.
func (k Key) IsSubpath() bool { return k.subpath > 0 }

// GetSubpath returns the subpath discriminant, or 0/-1 for non-subpath keys.
func (k Key) GetSubpath() int { return k.subpath }

func (k Key) Address() common.Address { return k.addr }

func (k Key) String() string {
	switch {
	case k.raw != "":
		return fmt.Sprintf("%s:raw:%x", k.kind, k.raw)
	case k.subpath > 0:
		return fmt.Sprintf("%s:%s:subpath(%d)", k.kind, k.addr, k.subpath)
	case k.subpath == -1:
		return fmt.Sprintf("%s:%s:state(%s)", k.kind, k.addr, k.hash)
	default:
		return fmt.Sprintf("%s:%s", k.kind, k.addr)
	}
}
