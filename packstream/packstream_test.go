package packstream

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	data, err := Pack(v)
	require.NoError(t, err)
	out, err := Unpack(data)
	require.NoError(t, err)
	return out
}

func TestPackUnpackPrimitives(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"float", 3.14159, 3.14159},
		{"float32", float32(0.5), 0.5},
		{"negative zero float", math.Copysign(0, -1), math.Copysign(0, -1)},
		{"empty string", "", ""},
		{"tiny string", "hello", "hello"},
		{"unicode string", "grüße", "grüße"},
		{"string", strings.Repeat("x", 300), strings.Repeat("x", 300)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, roundTrip(t, tc.in))
		})
	}
}

func TestPackUnpackIntegers(t *testing.T) {
	// Every encoding tier boundary, in both directions.
	values := []int64{
		0, 1, -1,
		-16, -17, // TINY_INT lower bound
		127, 128, // TINY_INT upper bound
		-128, -129, // INT_8 bounds
		32767, 32768, -32768, -32769, // INT_16 bounds
		2147483647, 2147483648, -2147483648, -2147483649, // INT_32 bounds
		math.MaxInt64, math.MinInt64,
	}
	for _, v := range values {
		assert.Equal(t, v, roundTrip(t, v), "value %d", v)
	}
}

func TestPackIntegerMarkers(t *testing.T) {
	tests := []struct {
		value int64
		data  []byte
	}{
		{0, []byte{0x00}},
		{42, []byte{0x2A}},
		{-1, []byte{0xFF}},
		{-16, []byte{0xF0}},
		{-17, []byte{0xC8, 0xEF}},
		{127, []byte{0x7F}},
		{128, []byte{0xC9, 0x00, 0x80}},
		{-128, []byte{0xC8, 0x80}},
		{32768, []byte{0xCA, 0x00, 0x00, 0x80, 0x00}},
		{math.MaxInt64, []byte{0xCB, 0x7F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tc := range tests {
		data, err := Pack(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.data, data, "value %d", tc.value)
	}
}

func TestPackIntWidths(t *testing.T) {
	// All Go integer widths funnel into the same encoding.
	for _, v := range []any{int(7), int8(7), int16(7), int32(7), int64(7), uint(7), uint8(7), uint16(7), uint32(7), uint64(7)} {
		data, err := Pack(v)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x07}, data, "%T", v)
	}
}

func TestPackUint64Overflow(t *testing.T) {
	_, err := Pack(uint64(math.MaxInt64) + 1)
	assert.ErrorIs(t, err, ErrIntegerOverflow)

	data, err := Pack(uint64(math.MaxInt64))
	require.NoError(t, err)
	out, err := Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), out)
}

func TestPackUnpackBytes(t *testing.T) {
	for _, n := range []int{0, 1, 255, 256, 65535, 65536} {
		in := make([]byte, n)
		for i := range in {
			in[i] = byte(i)
		}
		out := roundTrip(t, in)
		assert.Equal(t, in, out, "length %d", n)
	}
}

func TestPackUnpackStrings(t *testing.T) {
	for _, n := range []int{15, 16, 255, 256, 65535, 65536} {
		in := strings.Repeat("a", n)
		assert.Equal(t, in, roundTrip(t, in), "length %d", n)
	}
}

func TestPackUnpackLists(t *testing.T) {
	assert.Equal(t, []any{}, roundTrip(t, []any{}))
	assert.Equal(t,
		[]any{int64(1), "two", 3.0, nil, true},
		roundTrip(t, []any{1, "two", 3.0, nil, true}))
	assert.Equal(t, []any{"a", "b"}, roundTrip(t, []string{"a", "b"}))

	big := make([]any, 16)
	for i := range big {
		big[i] = int64(i)
	}
	data, err := Pack(big)
	require.NoError(t, err)
	assert.Equal(t, byte(0xD4), data[0], "16 items need a sized list marker")
	assert.Equal(t, big, roundTrip(t, big))
}

func TestPackUnpackMaps(t *testing.T) {
	assert.Equal(t, map[string]any{}, roundTrip(t, map[string]any{}))
	assert.Equal(t,
		map[string]any{"one": int64(1), "two": []any{int64(2)}},
		roundTrip(t, map[string]any{"one": 1, "two": []any{2}}))
	assert.Equal(t,
		map[string]any{"k": "v"},
		roundTrip(t, map[string]string{"k": "v"}))
}

func TestPackMapDeterministic(t *testing.T) {
	m := map[string]any{"b": 2, "a": 1, "c": 3}
	first, err := Pack(m)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Pack(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPackUnpackStructure(t *testing.T) {
	in := &Structure{Tag: 0x10, Fields: []any{"RETURN 1", map[string]any{}}}
	out := roundTrip(t, in)
	require.IsType(t, &Structure{}, out)
	s := out.(*Structure)
	assert.Equal(t, byte(0x10), s.Tag)
	assert.Equal(t, []any{"RETURN 1", map[string]any{}}, s.Fields)

	// Value form packs identically to the pointer form.
	byValue, err := Pack(Structure{Tag: 0x10, Fields: []any{"RETURN 1", map[string]any{}}})
	require.NoError(t, err)
	byPointer, err := Pack(in)
	require.NoError(t, err)
	assert.Equal(t, byPointer, byValue)
}

func TestPackStructureTooLarge(t *testing.T) {
	fields := make([]any, 16)
	_, err := Pack(&Structure{Tag: 0x01, Fields: fields})
	assert.ErrorIs(t, err, ErrStructureTooLarge)
}

func TestPackUnsupportedType(t *testing.T) {
	_, err := Pack(struct{ X int }{1})
	var unsupported *UnsupportedTypeError
	assert.ErrorAs(t, err, &unsupported)
}

func TestUnpackInvalidMarker(t *testing.T) {
	for _, marker := range []byte{0xC4, 0xC7, 0xCF, 0xD3, 0xDE} {
		_, err := Unpack([]byte{marker})
		var invalid *InvalidMarkerError
		require.ErrorAs(t, err, &invalid, "marker 0x%02X", marker)
		assert.Equal(t, marker, invalid.Marker)
	}
}

func TestUnpackTruncated(t *testing.T) {
	data, err := Pack(map[string]any{"key": "value", "n": int64(300)})
	require.NoError(t, err)
	for i := 0; i < len(data); i++ {
		_, err := Unpack(data[:i])
		assert.ErrorIs(t, err, ErrIncomplete, "truncated at %d", i)
	}
}

func TestUnpackOversizedCollectionHeader(t *testing.T) {
	// A forged size prefix far beyond the actual input must come back as a
	// truncation error, not an allocation of the claimed size.
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"list32", []byte{0xD6, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"map32", []byte{0xDA, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"list16", []byte{0xD5, 0xFF, 0xFF}},
		{"map16", []byte{0xD9, 0xFF, 0xFF}},
		{"struct16", []byte{0xDD, 0xFF, 0xFF, 0x42}},
		{"map8 odd input", []byte{0xD8, 0x03, 0x81, 'a', 0x01}},
	} {
		_, err := Unpack(tc.data)
		assert.ErrorIs(t, err, ErrIncomplete, tc.name)
	}
}

func TestUnpackStreamedCollections(t *testing.T) {
	// Streamed lists and maps only occur on the inbound side.
	out, err := Unpack([]byte{0xD7, 0x01, 0x02, 0xDF})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, out)

	out, err = Unpack([]byte{0xDB, 0x81, 'a', 0x01, 0xDF})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1)}, out)

	_, err = Unpack([]byte{0xD7, 0x01})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDehydration(t *testing.T) {
	type point struct{ x, y float64 }

	var buf sliceWriter
	p := NewPacker(&buf)
	p.SetDehydrate(func(v any) (*Structure, bool) {
		if pt, ok := v.(point); ok {
			return &Structure{Tag: 0x58, Fields: []any{pt.x, pt.y}}, true
		}
		return nil, false
	})

	require.NoError(t, p.Pack(point{1, 2}))
	out, err := Unpack(buf)
	require.NoError(t, err)
	s, ok := out.(*Structure)
	require.True(t, ok)
	assert.Equal(t, byte(0x58), s.Tag)
	assert.Equal(t, []any{1.0, 2.0}, s.Fields)

	// Unregistered types still fail.
	err = p.Pack(struct{ z int }{})
	var unsupported *UnsupportedTypeError
	assert.ErrorAs(t, err, &unsupported)
}

func TestHydration(t *testing.T) {
	type point struct{ x, y float64 }

	data, err := Pack(&Structure{Tag: 0x58, Fields: []any{1.0, 2.0}})
	require.NoError(t, err)

	u := NewUnpacker(data)
	u.SetHydration(Hydration{
		0x58: func(fields []any) (any, error) {
			return point{fields[0].(float64), fields[1].(float64)}, nil
		},
	})
	out, err := u.Unpack()
	require.NoError(t, err)
	assert.Equal(t, point{1, 2}, out)
}

func TestUnpackerRemaining(t *testing.T) {
	data, err := Pack("abc")
	require.NoError(t, err)
	data = append(data, 0x01)

	u := NewUnpacker(data)
	_, err = u.Unpack()
	require.NoError(t, err)
	assert.Equal(t, 1, u.Remaining())
}

func FuzzUnpack(f *testing.F) {
	seeds := []any{
		nil, true, int64(-17), 3.14, "corpus",
		[]any{int64(1), "two"},
		map[string]any{"k": "v"},
		&Structure{Tag: 0x70, Fields: []any{map[string]any{"fields": []any{"n"}}}},
	}
	for _, seed := range seeds {
		data, err := Pack(seed)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}
	f.Add([]byte{0xD7, 0x01, 0x02})
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic; on success the value must survive a re-encode.
		v, err := NewUnpacker(data).Unpack()
		if err != nil {
			return
		}
		if _, err := Pack(v); err != nil {
			// Inbound-only shapes (oversized structures) cannot always be
			// re-encoded.
			t.Skipf("cannot re-encode %T: %v", v, err)
		}
	})
}
