// Package commitlog reads the source's append-only commit-log segments
// and decodes binary mutation frames into events.
//
// Segment layout: a sequence of frames, each a big-endian uint32 length
// followed by that many payload bytes. The payload is:
//
//	magic  [2]byte 0xCD 0x01
//	kind   byte   'I' | 'U' | 'D'
//	keyspace, table   length-prefixed strings
//	partition key, clustering key, columns   cell lists
//	writetime  int64 microseconds
//	ttl        uint32 seconds (0 = none)
//	crc        uint32 CRC-32C of all preceding payload bytes
//
// Decoding is deterministic: the same bytes produce the same events with
// the same derived ids.
package commitlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tributary-io/tributary/internal/types"
)

const (
	magic0 = 0xCD
	magic1 = 0x01

	// maxFrameSize guards against a corrupt length prefix swallowing the
	// rest of the segment.
	maxFrameSize = 100 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrMalformedFrame tags any frame that fails structural or checksum
// validation. The reader skips past such frames instead of halting.
var ErrMalformedFrame = errors.New("malformed commit-log frame")

// ErrIncompleteFrame signals a frame whose bytes have not all been
// flushed yet; the reader waits for more data rather than skipping.
var ErrIncompleteFrame = errors.New("incomplete commit-log frame")

func kindByte(k types.Kind) byte {
	switch k {
	case types.KindInsert:
		return 'I'
	case types.KindUpdate:
		return 'U'
	default:
		return 'D'
	}
}

func byteKind(b byte) (types.Kind, error) {
	switch b {
	case 'I':
		return types.KindInsert, nil
	case 'U':
		return types.KindUpdate, nil
	case 'D':
		return types.KindDelete, nil
	}
	return "", fmt.Errorf("%w: unknown operation 0x%02x", ErrMalformedFrame, b)
}

// EncodeFrame serializes an event into one length-prefixed frame. Used by
// the source-side writer and by tests asserting the decode round-trip.
func EncodeFrame(ev *types.Event) ([]byte, error) {
	var payload bytes.Buffer
	payload.WriteByte(magic0)
	payload.WriteByte(magic1)
	payload.WriteByte(kindByte(ev.Kind))
	writeString(&payload, ev.Keyspace)
	writeString(&payload, ev.Table)
	if err := writeCells(&payload, ev.PartitionKey); err != nil {
		return nil, err
	}
	if err := writeCells(&payload, ev.ClusteringKey); err != nil {
		return nil, err
	}
	if err := writeCells(&payload, ev.Values); err != nil {
		return nil, err
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(ev.TimestampMicros))
	payload.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], uint32(ev.TTLSeconds))
	payload.Write(scratch[:4])

	crc := crc32.Checksum(payload.Bytes(), castagnoli)
	binary.BigEndian.PutUint32(scratch[:4], crc)
	payload.Write(scratch[:4])

	out := make([]byte, 4+payload.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(payload.Len()))
	copy(out[4:], payload.Bytes())
	return out, nil
}

// DecodeFrame parses one frame payload (without the length prefix) read
// from the named file. The file name participates in event id derivation.
func DecodeFrame(file string, payload []byte) (*types.Event, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: short payload", ErrMalformedFrame)
	}
	body, crcBytes := payload[:len(payload)-4], payload[len(payload)-4:]
	want := binary.BigEndian.Uint32(crcBytes)
	if got := crc32.Checksum(body, castagnoli); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (got %08x want %08x)", ErrMalformedFrame, got, want)
	}

	r := &frameReader{buf: body}
	if r.readByte() != magic0 || r.readByte() != magic1 {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedFrame)
	}
	kind, err := byteKind(r.readByte())
	if err != nil {
		return nil, err
	}
	keyspace := r.readString()
	table := r.readString()
	pk := r.readCells()
	ck := r.readCells()
	values := r.readCells()
	tsMicros := int64(r.readUint64())
	ttl := int32(r.readUint32())
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, r.err)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, r.remaining())
	}

	ev, err := types.NewEvent(file, kind, keyspace, table, pk, ck, values, tsMicros, ttl, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func writeCells(buf *bytes.Buffer, cells types.Columns) error {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(cells)))
	buf.Write(l[:])
	for _, c := range cells {
		writeString(buf, c.Name)
		writeString(buf, string(c.Type))
		if c.Value == nil {
			buf.WriteByte(1) // null flag
			continue
		}
		buf.WriteByte(0)
		if err := writeValue(buf, c.Type, c.Value); err != nil {
			return fmt.Errorf("cell %q: %w", c.Name, err)
		}
	}
	return nil
}

func writeValue(buf *bytes.Buffer, t types.CQLType, v any) error {
	var scratch [8]byte
	switch t {
	case types.TypeText, types.TypeVarchar, types.TypeAscii, types.TypeDecimal, types.TypeInet:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string for %s, got %T", t, v)
		}
		writeBytes(buf, []byte(s))
	case types.TypeInt:
		n, ok := v.(int32)
		if !ok {
			return fmt.Errorf("expected int32 for %s, got %T", t, v)
		}
		binary.BigEndian.PutUint32(scratch[:4], uint32(n))
		buf.Write(scratch[:4])
	case types.TypeBigint, types.TypeCounter, types.TypeTimestamp:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected int64 for %s, got %T", t, v)
		}
		binary.BigEndian.PutUint64(scratch[:], uint64(n))
		buf.Write(scratch[:])
	case types.TypeFloat:
		f, ok := v.(float32)
		if !ok {
			return fmt.Errorf("expected float32 for %s, got %T", t, v)
		}
		binary.BigEndian.PutUint32(scratch[:4], math.Float32bits(f))
		buf.Write(scratch[:4])
	case types.TypeDouble:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected float64 for %s, got %T", t, v)
		}
		binary.BigEndian.PutUint64(scratch[:], math.Float64bits(f))
		buf.Write(scratch[:])
	case types.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool for %s, got %T", t, v)
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case types.TypeUUID, types.TypeTimeUUID:
		id, ok := v.(uuid.UUID)
		if !ok {
			return fmt.Errorf("expected uuid for %s, got %T", t, v)
		}
		buf.Write(id[:])
	case types.TypeBlob, types.TypeTuple:
		raw, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected []byte for %s, got %T", t, v)
		}
		writeBytes(buf, raw)
	case types.TypeMap:
		m, ok := v.(map[string]string)
		if !ok {
			return fmt.Errorf("expected map[string]string for %s, got %T", t, v)
		}
		keys := sortedKeys(m)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(keys)))
		buf.Write(l[:])
		for _, k := range keys {
			writeString(buf, k)
			writeString(buf, m[k])
		}
	case types.TypeSet, types.TypeList:
		items, ok := v.([]string)
		if !ok {
			return fmt.Errorf("expected []string for %s, got %T", t, v)
		}
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(items)))
		buf.Write(l[:])
		for _, it := range items {
			writeString(buf, it)
		}
	default:
		return fmt.Errorf("unencodable type %s", t)
	}
	return nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// frameReader is a cursor over a frame body. The first error sticks and
// every subsequent read is a no-op, so decode paths check r.err once.
type frameReader struct {
	buf []byte
	pos int
	err error
}

func (r *frameReader) remaining() int { return len(r.buf) - r.pos }

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = fmt.Errorf("truncated at byte %d (need %d more)", r.pos, n-r.remaining())
		return nil
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *frameReader) readByte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) readUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *frameReader) readUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *frameReader) readUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *frameReader) readString() string {
	n := int(r.readUint16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *frameReader) readLenBytes() []byte {
	n := int(r.readUint32())
	if r.err == nil && n > r.remaining() {
		r.err = fmt.Errorf("value length %d exceeds frame", n)
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *frameReader) readCells() types.Columns {
	count := int(r.readUint16())
	if r.err != nil {
		return nil
	}
	cells := make(types.Columns, 0, count)
	for i := 0; i < count; i++ {
		name := r.readString()
		typ := types.CQLType(r.readString())
		nullFlag := r.readByte()
		if r.err != nil {
			return nil
		}
		if nullFlag == 1 {
			cells = append(cells, types.Column{Name: name, Type: typ, Value: nil})
			continue
		}
		v := r.readValue(typ)
		if r.err != nil {
			return nil
		}
		cells = append(cells, types.Column{Name: name, Type: typ, Value: v})
	}
	return cells
}

func (r *frameReader) readValue(t types.CQLType) any {
	switch t {
	case types.TypeText, types.TypeVarchar, types.TypeAscii, types.TypeDecimal, types.TypeInet:
		return string(r.readLenBytes())
	case types.TypeInt:
		return int32(r.readUint32())
	case types.TypeBigint, types.TypeCounter, types.TypeTimestamp:
		return int64(r.readUint64())
	case types.TypeFloat:
		return math.Float32frombits(r.readUint32())
	case types.TypeDouble:
		return math.Float64frombits(r.readUint64())
	case types.TypeBoolean:
		return r.readByte() == 1
	case types.TypeUUID, types.TypeTimeUUID:
		b := r.take(16)
		if b == nil {
			return uuid.Nil
		}
		var id uuid.UUID
		copy(id[:], b)
		return id
	case types.TypeBlob, types.TypeTuple:
		return r.readLenBytes()
	case types.TypeMap:
		count := int(r.readUint16())
		m := make(map[string]string, count)
		for i := 0; i < count; i++ {
			k := r.readString()
			m[k] = r.readString()
		}
		return m
	case types.TypeSet, types.TypeList:
		count := int(r.readUint16())
		items := make([]string, 0, count)
		for i := 0; i < count; i++ {
			items = append(items, r.readString())
		}
		return items
	default:
		r.err = fmt.Errorf("undecodable type %q", t)
		return nil
	}
}
