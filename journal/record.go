package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"agora/book"
)

// Op identifies the mutation a record describes.
type Op uint8

const (
	OpSubmit Op = iota + 1
	OpCancel
	OpModify
	OpClear
	OpDayReset
)

func (op Op) String() string {
	switch op {
	case OpSubmit:
		return "SUBMIT"
	case OpCancel:
		return "CANCEL"
	case OpModify:
		return "MODIFY"
	case OpClear:
		return "CLEAR"
	case OpDayReset:
		return "DAY_RESET"
	default:
		return "UNKNOWN"
	}
}

// Record is one journaled mutation. Seq is the admission sequence for
// submits and modifies and zero otherwise. Count carries the purge
// total on day-reset records.
type Record struct {
	Op    Op
	Seq   uint64
	Time  int64
	ID    uint64
	Side  book.Side
	Type  book.OrderType
	Price int64
	Qty   int64
	Count int32
	Owner string
}

const maxOwnerLen = 1 << 16

func encodeRecord(rec *Record) ([]byte, error) {
	if len(rec.Owner) >= maxOwnerLen {
		return nil, fmt.Errorf("journal: owner %q too long", rec.Owner[:32])
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(rec.Op))
	binary.Write(buf, binary.LittleEndian, rec.Seq)
	binary.Write(buf, binary.LittleEndian, rec.Time)
	binary.Write(buf, binary.LittleEndian, rec.ID)
	buf.WriteByte(byte(rec.Side))
	buf.WriteByte(byte(rec.Type))
	binary.Write(buf, binary.LittleEndian, rec.Price)
	binary.Write(buf, binary.LittleEndian, rec.Qty)
	binary.Write(buf, binary.LittleEndian, rec.Count)
	binary.Write(buf, binary.LittleEndian, uint16(len(rec.Owner)))
	buf.WriteString(rec.Owner)
	return buf.Bytes(), nil
}

func decodeRecord(payload []byte) (*Record, error) {
	r := bytes.NewReader(payload)
	var (
		op, side, typ uint8
		ownerLen      uint16
		rec           Record
	)
	if err := binary.Read(r, binary.LittleEndian, &op); err != nil {
		return nil, fmt.Errorf("journal: decode op: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Seq); err != nil {
		return nil, fmt.Errorf("journal: decode seq: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Time); err != nil {
		return nil, fmt.Errorf("journal: decode time: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.ID); err != nil {
		return nil, fmt.Errorf("journal: decode id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &side); err != nil {
		return nil, fmt.Errorf("journal: decode side: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, fmt.Errorf("journal: decode type: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Price); err != nil {
		return nil, fmt.Errorf("journal: decode price: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Qty); err != nil {
		return nil, fmt.Errorf("journal: decode qty: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.Count); err != nil {
		return nil, fmt.Errorf("journal: decode count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &ownerLen); err != nil {
		return nil, fmt.Errorf("journal: decode owner length: %w", err)
	}
	owner := make([]byte, ownerLen)
	if _, err := io.ReadFull(r, owner); err != nil {
		return nil, fmt.Errorf("journal: decode owner: %w", err)
	}
	rec.Op = Op(op)
	rec.Side = book.Side(side)
	rec.Type = book.OrderType(typ)
	rec.Owner = string(owner)
	return &rec, nil
}
