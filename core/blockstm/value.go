package blockstm

import "github.com/holiman/uint256"

// ValueKind discriminates the three things a txn can do to a StorageKey.
type ValueKind uint8

const (
	ValueKindWrite ValueKind = iota
	ValueKindDelete
	ValueKindDelta
)

// DeltaOp is an integer transform applied to an aggregator key: add or
// subtract Delta. Bound records the aggregator's declared limit (nil for
// none) alongside the op; the fold does not read it - foldDeltas,
// MVHashMapView.ReadAggregator and DeltaResolver take their bound from the
// caller.
type DeltaOp struct {
	Delta int64
	Bound *uint256.Int
}

func (d DeltaOp) isAdd() bool { return d.Delta >= 0 }

func (d DeltaOp) magnitude() *uint256.Int {
	m := d.Delta
	if m < 0 {
		m = -m
	}

	return uint256.NewInt(uint64(m))
}

// Value is the spec §3 Value sum type: Write(bytes) | Delete | Delta(op).
type Value struct {
	kind  ValueKind
	bytes []byte
	delta DeltaOp
}

func WriteValue(b []byte) Value { return Value{kind: ValueKindWrite, bytes: b} }

func DeleteValue() Value { return Value{kind: ValueKindDelete} }

func DeltaValue(op DeltaOp) Value { return Value{kind: ValueKindDelta, delta: op} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsWrite() bool { return v.kind == ValueKindWrite }

func (v Value) IsDelete() bool { return v.kind == ValueKindDelete }

func (v Value) IsDelta() bool { return v.kind == ValueKindDelta }

func (v Value) Bytes() []byte { return v.bytes }

func (v Value) Delta() DeltaOp { return v.delta }
