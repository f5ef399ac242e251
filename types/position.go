package types

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/goccy/go-json"
	"github.com/jackc/pglogrepl"
)

// PositionKind tags the provider family a Position belongs to.
type PositionKind uint8

const (
	CounterKind PositionKind = iota + 1
	LSNKind
	BinlogKind
)

func (k PositionKind) String() string {
	switch k {
	case CounterKind:
		return "counter"
	case LSNKind:
		return "lsn"
	case BinlogKind:
		return "binlog"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParsePositionKind is the inverse of PositionKind.String.
func ParsePositionKind(s string) (PositionKind, error) {
	switch s {
	case "counter":
		return CounterKind, nil
	case "lsn":
		return LSNKind, nil
	case "binlog":
		return BinlogKind, nil
	}
	return 0, NewError(PositionInvalid, "unknown position kind %q", s)
}

// Position is an opaque, totally ordered marker of progress in a change stream.
// Positions of different kinds are never comparable.
type Position interface {
	Kind() PositionKind
	// Bytes is the lossless serialized form; see the matching *FromBytes constructor.
	Bytes() []byte
	// Compare returns -1, 0 or 1, and a PositionInvalid error when other has a different kind.
	Compare(other Position) (int, error)
	String() string
}

func kindMismatch(a, b Position) error {
	if b == nil {
		return NewError(PositionInvalid, "cannot compare %s position with nil", a.Kind())
	}
	return NewError(PositionInvalid, "cannot compare %s position with %s position", a.Kind(), b.Kind())
}

func compareOrdered[T ~int64 | ~uint64 | ~uint32](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CounterPosition is a SQL Server change tracking version.
type CounterPosition struct {
	Version int64
}

func (p CounterPosition) Kind() PositionKind { return CounterKind }

func (p CounterPosition) Bytes() []byte {
	//nolint:gosec,G115
	return binary.BigEndian.AppendUint64(nil, uint64(p.Version))
}

func (p CounterPosition) Compare(other Position) (int, error) {
	o, ok := other.(CounterPosition)
	if !ok {
		return 0, kindMismatch(p, other)
	}
	return compareOrdered(p.Version, o.Version), nil
}

func (p CounterPosition) String() string {
	return fmt.Sprintf("version:%d", p.Version)
}

// CounterPositionFromBytes reads the fixed 8 byte big-endian form.
func CounterPositionFromBytes(b []byte) (CounterPosition, error) {
	if len(b) != 8 {
		return CounterPosition{}, NewError(PositionInvalid, "counter position requires 8 bytes, got %d", len(b))
	}
	//nolint:gosec,G115
	return CounterPosition{Version: int64(binary.BigEndian.Uint64(b))}, nil
}

// LSNPosition is a PostgreSQL write-ahead log sequence number.
type LSNPosition struct {
	LSN pglogrepl.LSN
}

func (p LSNPosition) Kind() PositionKind { return LSNKind }

func (p LSNPosition) Bytes() []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(p.LSN))
}

func (p LSNPosition) Compare(other Position) (int, error) {
	o, ok := other.(LSNPosition)
	if !ok {
		return 0, kindMismatch(p, other)
	}
	return compareOrdered(p.LSN, o.LSN), nil
}

func (p LSNPosition) String() string {
	return p.LSN.String()
}

// LSNPositionFromBytes reads the fixed 8 byte big-endian form.
func LSNPositionFromBytes(b []byte) (LSNPosition, error) {
	if len(b) != 8 {
		return LSNPosition{}, NewError(PositionInvalid, "lsn position requires 8 bytes, got %d", len(b))
	}
	return LSNPosition{LSN: pglogrepl.LSN(binary.BigEndian.Uint64(b))}, nil
}

// BinlogPosition is a MySQL replication coordinate. It carries a GTID set,
// a (file, offset) pair, or both; which parts are present survives serialization.
type BinlogPosition struct {
	GTIDSet string
	File    string
	Offset  uint32

	hasGTID bool
	hasFile bool
}

// NewGTIDPosition returns a position holding only an executed GTID set.
func NewGTIDPosition(gtidSet string) BinlogPosition {
	return BinlogPosition{GTIDSet: gtidSet, hasGTID: true}
}

// NewFilePosition returns a position holding only a binlog file and offset.
func NewFilePosition(file string, offset uint32) BinlogPosition {
	return BinlogPosition{File: file, Offset: offset, hasFile: true}
}

// WithFile attaches file coordinates, keeping any GTID set.
func (p BinlogPosition) WithFile(file string, offset uint32) BinlogPosition {
	p.File, p.Offset, p.hasFile = file, offset, true
	return p
}

func (p BinlogPosition) HasGTID() bool { return p.hasGTID }
func (p BinlogPosition) HasFile() bool { return p.hasFile }

func (p BinlogPosition) Kind() PositionKind { return BinlogKind }

type binlogWire struct {
	GTID *string `json:"gtid,omitempty"`
	File *string `json:"file,omitempty"`
	Pos  *uint32 `json:"pos,omitempty"`
}

func (p BinlogPosition) Bytes() []byte {
	wire := binlogWire{}
	if p.hasGTID {
		gtid := p.GTIDSet
		wire.GTID = &gtid
	}
	if p.hasFile {
		file, pos := p.File, p.Offset
		wire.File, wire.Pos = &file, &pos
	}
	// a struct of pointers to strings and ints always marshals
	b, _ := json.Marshal(wire)
	return b
}

func (p BinlogPosition) Compare(other Position) (int, error) {
	o, ok := other.(BinlogPosition)
	if !ok {
		return 0, kindMismatch(p, other)
	}
	switch {
	case p.hasGTID && o.hasGTID:
		return compareGTIDSets(p.GTIDSet, o.GTIDSet), nil
	case p.hasFile && o.hasFile:
		if c := strings.Compare(p.File, o.File); c != 0 {
			return c, nil
		}
		return compareOrdered(p.Offset, o.Offset), nil
	}
	return 0, NewError(PositionInvalid, "binlog positions %s and %s share no comparable coordinate", p, o)
}

// compareGTIDSets orders by set containment and falls back to lexicographic
// order for divergent or unparsable sets.
func compareGTIDSets(a, b string) int {
	setA, errA := mysql.ParseMysqlGTIDSet(a)
	setB, errB := mysql.ParseMysqlGTIDSet(b)
	if errA == nil && errB == nil {
		switch {
		case setA.Equal(setB):
			return 0
		case setA.Contain(setB):
			return 1
		case setB.Contain(setA):
			return -1
		}
	}
	return strings.Compare(a, b)
}

func (p BinlogPosition) String() string {
	switch {
	case p.hasGTID && p.hasFile:
		return fmt.Sprintf("gtid:%s (%s:%d)", p.GTIDSet, p.File, p.Offset)
	case p.hasGTID:
		return fmt.Sprintf("gtid:%s", p.GTIDSet)
	case p.hasFile:
		return fmt.Sprintf("%s:%d", p.File, p.Offset)
	}
	return "binlog:empty"
}

// BinlogPositionFromBytes reads the JSON form produced by Bytes.
func BinlogPositionFromBytes(b []byte) (BinlogPosition, error) {
	var wire binlogWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return BinlogPosition{}, WrapError(PositionInvalid, err, "failed to decode binlog position")
	}
	p := BinlogPosition{}
	if wire.GTID != nil {
		p.GTIDSet, p.hasGTID = *wire.GTID, true
	}
	if wire.File != nil {
		p.File, p.hasFile = *wire.File, true
		if wire.Pos != nil {
			p.Offset = *wire.Pos
		}
	}
	return p, nil
}

// EncodePosition prefixes the variant tag so stores can persist any variant as one blob.
func EncodePosition(p Position) []byte {
	return append([]byte{byte(p.Kind())}, p.Bytes()...)
}

// DecodePosition reverses EncodePosition.
func DecodePosition(b []byte) (Position, error) {
	if len(b) == 0 {
		return nil, NewError(PositionInvalid, "empty position envelope")
	}
	return PositionFromBytes(PositionKind(b[0]), b[1:])
}

// PositionFromBytes dispatches to the variant constructor for kind.
func PositionFromBytes(kind PositionKind, b []byte) (Position, error) {
	switch kind {
	case CounterKind:
		return CounterPositionFromBytes(b)
	case LSNKind:
		return LSNPositionFromBytes(b)
	case BinlogKind:
		return BinlogPositionFromBytes(b)
	}
	return nil, NewError(PositionInvalid, "unknown position kind %d", kind)
}
