// Package packstream implements the binary serialisation format used on the
// Bolt wire: a compact, big-endian, marker-prefixed encoding for a small set
// of value types plus a generic tagged Structure for everything else.
//
// Every serialised value begins with a marker byte. Small, common payloads
// (short strings, few-entry maps, structures with up to 15 fields) encode
// their size in the low nibble of a single "tiny" marker; larger payloads use
// separate markers followed by an 8-, 16- or 32-bit unsigned size.
//
// The supported Go types are:
//
//	nil, bool, int/int8/.../int64, uint/.../uint64, float64, float32,
//	string, []byte, []any, []string, map[string]any, map[string]string,
//	Structure and *Structure
//
// Values of any other type can only be packed through a dehydration hook
// (see Packer.SetDehydrate), which converts them to a tagged Structure
// without this package knowing their semantics. Symmetrically, incoming
// structures can be hydrated to richer types through Hydration hooks.
package packstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// Marker bytes. All multi-byte quantities that follow a marker are
// big-endian.
const (
	markerNull    = 0xC0
	markerFloat64 = 0xC1
	markerFalse   = 0xC2
	markerTrue    = 0xC3

	markerInt8  = 0xC8
	markerInt16 = 0xC9
	markerInt32 = 0xCA
	markerInt64 = 0xCB

	markerBytes8  = 0xCC
	markerBytes16 = 0xCD
	markerBytes32 = 0xCE

	markerTinyString = 0x80 // 0x80..0x8F
	markerString8    = 0xD0
	markerString16   = 0xD1
	markerString32   = 0xD2

	markerTinyList   = 0x90 // 0x90..0x9F
	markerList8      = 0xD4
	markerList16     = 0xD5
	markerList32     = 0xD6
	markerListStream = 0xD7

	markerTinyMap   = 0xA0 // 0xA0..0xAF
	markerMap8      = 0xD8
	markerMap16     = 0xD9
	markerMap32     = 0xDA
	markerMapStream = 0xDB

	markerTinyStruct = 0xB0 // 0xB0..0xBF
	markerStruct8    = 0xDC
	markerStruct16   = 0xDD

	markerEndOfStream = 0xDF
)

var (
	// ErrIntegerOverflow is returned when packing an integer outside the
	// signed 64-bit range.
	ErrIntegerOverflow = errors.New("packstream: integer out of 64-bit signed range")

	// ErrStructureTooLarge is returned when packing a Structure with more
	// than 15 fields. Wider structure headers exist in the format but are
	// never needed for protocol messages.
	ErrStructureTooLarge = errors.New("packstream: structure exceeds 15 fields")

	// ErrIncomplete is returned when the input ends in the middle of a
	// value.
	ErrIncomplete = errors.New("packstream: data truncated")
)

// UnsupportedTypeError is returned when packing a value of a type that has
// no wire representation and no dehydration hook.
type UnsupportedTypeError struct {
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("packstream: cannot pack value of type %T", e.Value)
}

// InvalidMarkerError is returned when decoding encounters a marker byte
// that is reserved or illegal in its position.
type InvalidMarkerError struct {
	Marker byte
}

func (e *InvalidMarkerError) Error() string {
	return fmt.Sprintf("packstream: illegal marker byte 0x%02X", e.Marker)
}

// Structure is a tagged, ordered bundle of values. It is the wire unit for
// everything the codec has no primitive encoding for: protocol messages and
// domain objects alike. The tag identifies the structure type and occupies
// exactly one byte.
type Structure struct {
	Tag    byte
	Fields []any
}

// HydrateFunc converts the fields of a tagged structure into a richer
// value. Returning an error aborts the decode.
type HydrateFunc func(fields []any) (any, error)

// Hydration maps structure tags to hydration hooks.
type Hydration map[byte]HydrateFunc

// DehydrateFunc converts an arbitrary value into a tagged structure.
// The second return value reports whether the conversion applied.
type DehydrateFunc func(v any) (*Structure, bool)

// Packer serialises values to an io.Writer.
type Packer struct {
	w         io.Writer
	scratch   [9]byte
	dehydrate DehydrateFunc
}

// NewPacker returns a Packer writing to w.
func NewPacker(w io.Writer) *Packer {
	return &Packer{w: w}
}

// SetDehydrate installs the hook used for values with no primitive
// encoding.
func (p *Packer) SetDehydrate(f DehydrateFunc) {
	p.dehydrate = f
}

// Pack serialises a single value.
func (p *Packer) Pack(v any) error {
	switch x := v.(type) {
	case nil:
		return p.writeMarker(markerNull)
	case bool:
		if x {
			return p.writeMarker(markerTrue)
		}
		return p.writeMarker(markerFalse)
	case int:
		return p.packInt(int64(x))
	case int8:
		return p.packInt(int64(x))
	case int16:
		return p.packInt(int64(x))
	case int32:
		return p.packInt(int64(x))
	case int64:
		return p.packInt(x)
	case uint:
		return p.packUint(uint64(x))
	case uint8:
		return p.packInt(int64(x))
	case uint16:
		return p.packInt(int64(x))
	case uint32:
		return p.packInt(int64(x))
	case uint64:
		return p.packUint(x)
	case float32:
		return p.packFloat(float64(x))
	case float64:
		return p.packFloat(x)
	case string:
		return p.packString(x)
	case []byte:
		return p.packBytes(x)
	case []any:
		return p.packList(x)
	case []string:
		list := make([]any, len(x))
		for i, s := range x {
			list[i] = s
		}
		return p.packList(list)
	case map[string]any:
		return p.packMap(x)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return p.packMap(m)
	case Structure:
		return p.packStructure(&x)
	case *Structure:
		return p.packStructure(x)
	default:
		if p.dehydrate != nil {
			if s, ok := p.dehydrate(v); ok {
				return p.packStructure(s)
			}
		}
		return &UnsupportedTypeError{Value: v}
	}
}

func (p *Packer) writeMarker(m byte) error {
	p.scratch[0] = m
	_, err := p.w.Write(p.scratch[:1])
	return err
}

func (p *Packer) write(b []byte) error {
	_, err := p.w.Write(b)
	return err
}

func (p *Packer) packInt(i int64) error {
	switch {
	case i >= -16 && i < 128:
		// TINY_INT: the value is its own marker.
		return p.writeMarker(byte(i))
	case i >= math.MinInt8 && i < math.MaxInt8+1:
		p.scratch[0] = markerInt8
		p.scratch[1] = byte(i)
		return p.write(p.scratch[:2])
	case i >= math.MinInt16 && i < math.MaxInt16+1:
		p.scratch[0] = markerInt16
		binary.BigEndian.PutUint16(p.scratch[1:3], uint16(i))
		return p.write(p.scratch[:3])
	case i >= math.MinInt32 && i < math.MaxInt32+1:
		p.scratch[0] = markerInt32
		binary.BigEndian.PutUint32(p.scratch[1:5], uint32(i))
		return p.write(p.scratch[:5])
	default:
		p.scratch[0] = markerInt64
		binary.BigEndian.PutUint64(p.scratch[1:9], uint64(i))
		return p.write(p.scratch[:9])
	}
}

func (p *Packer) packUint(u uint64) error {
	if u > math.MaxInt64 {
		return ErrIntegerOverflow
	}
	return p.packInt(int64(u))
}

func (p *Packer) packFloat(f float64) error {
	p.scratch[0] = markerFloat64
	binary.BigEndian.PutUint64(p.scratch[1:9], math.Float64bits(f))
	return p.write(p.scratch[:9])
}

// writeHeader emits the marker for a sized value: tiny if the size fits in
// a nibble (and a tiny marker exists for the type), otherwise the 8-, 16-
// or 32-bit sized marker.
func (p *Packer) writeHeader(tiny byte, m8, m16, m32 byte, size int) error {
	switch {
	case tiny != 0 && size < 0x10:
		return p.writeMarker(tiny + byte(size))
	case size < 0x100:
		p.scratch[0] = m8
		p.scratch[1] = byte(size)
		return p.write(p.scratch[:2])
	case size < 0x10000:
		p.scratch[0] = m16
		binary.BigEndian.PutUint16(p.scratch[1:3], uint16(size))
		return p.write(p.scratch[:3])
	default:
		p.scratch[0] = m32
		binary.BigEndian.PutUint32(p.scratch[1:5], uint32(size))
		return p.write(p.scratch[:5])
	}
}

func (p *Packer) packString(s string) error {
	if err := p.writeHeader(markerTinyString, markerString8, markerString16, markerString32, len(s)); err != nil {
		return err
	}
	_, err := io.WriteString(p.w, s)
	return err
}

func (p *Packer) packBytes(b []byte) error {
	// Byte arrays have no tiny form.
	if err := p.writeHeader(0, markerBytes8, markerBytes16, markerBytes32, len(b)); err != nil {
		return err
	}
	return p.write(b)
}

func (p *Packer) packList(list []any) error {
	if err := p.writeHeader(markerTinyList, markerList8, markerList16, markerList32, len(list)); err != nil {
		return err
	}
	for _, item := range list {
		if err := p.Pack(item); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packer) packMap(m map[string]any) error {
	if err := p.writeHeader(markerTinyMap, markerMap8, markerMap16, markerMap32, len(m)); err != nil {
		return err
	}
	// Sorted keys keep the encoding deterministic.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := p.packString(k); err != nil {
			return err
		}
		if err := p.Pack(m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packer) packStructure(s *Structure) error {
	if len(s.Fields) > 0x0F {
		return ErrStructureTooLarge
	}
	p.scratch[0] = markerTinyStruct + byte(len(s.Fields))
	p.scratch[1] = s.Tag
	if err := p.write(p.scratch[:2]); err != nil {
		return err
	}
	for _, field := range s.Fields {
		if err := p.Pack(field); err != nil {
			return err
		}
	}
	return nil
}

// Unpacker deserialises values from a byte slice.
type Unpacker struct {
	data    []byte
	off     int
	hydrate Hydration
}

// NewUnpacker returns an Unpacker reading from data.
func NewUnpacker(data []byte) *Unpacker {
	return &Unpacker{data: data}
}

// SetHydration installs the tag-keyed hooks applied to decoded structures.
func (u *Unpacker) SetHydration(h Hydration) {
	u.hydrate = h
}

// Remaining reports the number of unconsumed input bytes.
func (u *Unpacker) Remaining() int {
	return len(u.data) - u.off
}

// Unpack decodes and returns the next value. Integers of any width decode
// to int64; structures decode to *Structure unless a hydration hook is
// registered for their tag.
func (u *Unpacker) Unpack() (any, error) {
	marker, err := u.readByte()
	if err != nil {
		return nil, err
	}

	// TINY_INT occupies 0x00..0x7F and 0xF0..0xFF.
	if marker < 0x80 {
		return int64(marker), nil
	}
	if marker >= 0xF0 {
		return int64(marker) - 0x100, nil
	}

	switch {
	case marker >= markerTinyString && marker < markerTinyString+0x10:
		return u.readString(int(marker & 0x0F))
	case marker >= markerTinyList && marker < markerTinyList+0x10:
		return u.readList(int(marker & 0x0F))
	case marker >= markerTinyMap && marker < markerTinyMap+0x10:
		return u.readMap(int(marker & 0x0F))
	case marker >= markerTinyStruct && marker < markerTinyStruct+0x10:
		return u.readStructure(int(marker & 0x0F))
	}

	switch marker {
	case markerNull:
		return nil, nil
	case markerTrue:
		return true, nil
	case markerFalse:
		return false, nil
	case markerInt8:
		b, err := u.read(1)
		if err != nil {
			return nil, err
		}
		return int64(int8(b[0])), nil
	case markerInt16:
		b, err := u.read(2)
		if err != nil {
			return nil, err
		}
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case markerInt32:
		b, err := u.read(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case markerInt64:
		b, err := u.read(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case markerFloat64:
		b, err := u.read(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case markerBytes8, markerBytes16, markerBytes32:
		size, err := u.readSize(1 << (marker - markerBytes8))
		if err != nil {
			return nil, err
		}
		b, err := u.read(size)
		if err != nil {
			return nil, err
		}
		out := make([]byte, size)
		copy(out, b)
		return out, nil
	case markerString8, markerString16, markerString32:
		size, err := u.readSize(1 << (marker - markerString8))
		if err != nil {
			return nil, err
		}
		return u.readString(size)
	case markerList8, markerList16, markerList32:
		size, err := u.readSize(1 << (marker - markerList8))
		if err != nil {
			return nil, err
		}
		return u.readList(size)
	case markerListStream:
		return u.readListStream()
	case markerMap8, markerMap16, markerMap32:
		size, err := u.readSize(1 << (marker - markerMap8))
		if err != nil {
			return nil, err
		}
		return u.readMap(size)
	case markerMapStream:
		return u.readMapStream()
	case markerStruct8:
		size, err := u.readSize(1)
		if err != nil {
			return nil, err
		}
		return u.readStructure(size)
	case markerStruct16:
		size, err := u.readSize(2)
		if err != nil {
			return nil, err
		}
		return u.readStructure(size)
	default:
		return nil, &InvalidMarkerError{Marker: marker}
	}
}

func (u *Unpacker) readByte() (byte, error) {
	if u.off >= len(u.data) {
		return 0, ErrIncomplete
	}
	b := u.data[u.off]
	u.off++
	return b, nil
}

func (u *Unpacker) read(n int) ([]byte, error) {
	if u.off+n > len(u.data) {
		return nil, ErrIncomplete
	}
	b := u.data[u.off : u.off+n]
	u.off += n
	return b, nil
}

// readSize reads an unsigned size of width 1, 2 or 4 bytes.
func (u *Unpacker) readSize(width int) (int, error) {
	b, err := u.read(width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return int(b[0]), nil
	case 2:
		return int(binary.BigEndian.Uint16(b)), nil
	default:
		return int(binary.BigEndian.Uint32(b)), nil
	}
}

func (u *Unpacker) readString(size int) (string, error) {
	b, err := u.read(size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (u *Unpacker) readList(size int) ([]any, error) {
	// Each element occupies at least one input byte, so a size beyond the
	// remaining input can only come from corrupt data. Checking before the
	// allocation keeps a forged size prefix from exhausting memory.
	if size > u.Remaining() {
		return nil, ErrIncomplete
	}
	list := make([]any, size)
	for i := range list {
		v, err := u.Unpack()
		if err != nil {
			return nil, err
		}
		list[i] = v
	}
	return list, nil
}

// readListStream reads items until the END_OF_STREAM marker. Streams are
// only ever decoded; the packer always knows its sizes up front.
func (u *Unpacker) readListStream() ([]any, error) {
	list := []any{}
	for {
		if u.off < len(u.data) && u.data[u.off] == markerEndOfStream {
			u.off++
			return list, nil
		}
		v, err := u.Unpack()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (u *Unpacker) readMap(size int) (map[string]any, error) {
	// A map entry is at least two bytes of input, one per key and value.
	if size > u.Remaining()/2 {
		return nil, ErrIncomplete
	}
	m := make(map[string]any, size)
	for i := 0; i < size; i++ {
		if err := u.readMapEntry(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (u *Unpacker) readMapStream() (map[string]any, error) {
	m := map[string]any{}
	for {
		if u.off < len(u.data) && u.data[u.off] == markerEndOfStream {
			u.off++
			return m, nil
		}
		if err := u.readMapEntry(m); err != nil {
			return nil, err
		}
	}
}

func (u *Unpacker) readMapEntry(m map[string]any) error {
	k, err := u.Unpack()
	if err != nil {
		return err
	}
	key, ok := k.(string)
	if !ok {
		return fmt.Errorf("packstream: map key of type %T, expected string", k)
	}
	v, err := u.Unpack()
	if err != nil {
		return err
	}
	m[key] = v
	return nil
}

func (u *Unpacker) readStructure(size int) (any, error) {
	tag, err := u.readByte()
	if err != nil {
		return nil, err
	}
	if size > u.Remaining() {
		return nil, ErrIncomplete
	}
	fields := make([]any, size)
	for i := range fields {
		v, err := u.Unpack()
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}
	if u.hydrate != nil {
		if f, ok := u.hydrate[tag]; ok {
			return f(fields)
		}
	}
	return &Structure{Tag: tag, Fields: fields}, nil
}

// Pack serialises a single value to a new byte slice.
func Pack(v any) ([]byte, error) {
	var buf sliceWriter
	if err := NewPacker(&buf).Pack(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unpack decodes a single value from data.
func Unpack(data []byte) (any, error) {
	return NewUnpacker(data).Unpack()
}

type sliceWriter []byte

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
