package tfrecord

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func writeRecords(t *testing.T, records ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, r := range records {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func TestRecordRoundTrip(t *testing.T) {
	records := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 5000)}
	raw := writeRecords(t, records...)

	r := NewReader(bytes.NewReader(raw))
	for i, want := range records {
		got, err := r.Next()
		require.NoError(t, err, "record %d", i)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRecordFraming(t *testing.T) {
	raw := writeRecords(t, []byte("abc"))
	require.Len(t, raw, headerSize+3+footerSize)
	assert.Equal(t, []byte{3, 0, 0, 0, 0, 0, 0, 0}, raw[:8])
}

func TestRecordCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"length checksum", func(b []byte) []byte { b[8] ^= 0xFF; return b }},
		{"payload checksum", func(b []byte) []byte { b[headerSize] ^= 0x01; return b }},
		{"truncated payload", func(b []byte) []byte { return b[:len(b)-2] }},
		{"truncated header", func(b []byte) []byte { return b[:5] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.mutate(writeRecords(t, []byte("payload")))
			_, err := NewReader(bytes.NewReader(raw)).Next()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
		})
	}
}

func TestRecordLengthLimit(t *testing.T) {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], 1<<40)
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	_, err := NewReader(bytes.NewReader(header[:])).Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)

	w := NewWriter(io.Discard)
	assert.Error(t, w.Write(make([]byte, MaxRecordSize+1)))
}

func TestExampleRoundTripBitExact(t *testing.T) {
	values := []float32{0, -0, 1.5, math.MaxFloat32, math.SmallestNonzeroFloat32, float32(math.Inf(-1)), 3.14159}
	ex := Example{
		"X":     FloatFeature(values...),
		"y":     FloatFeature(42.25),
		"ids":   {Int64s: []int64{-1, 0, 1 << 40}},
		"label": {Bytes: [][]byte{[]byte("flat"), {}}},
	}

	got, err := UnmarshalExample(MarshalExample(ex))
	require.NoError(t, err)
	require.Len(t, got["X"].Floats, len(values))
	for i, v := range values {
		assert.Equal(t, math.Float32bits(v), math.Float32bits(got["X"].Floats[i]), "index %d", i)
	}
	assert.Equal(t, []float32{42.25}, got["y"].Floats)
	assert.Equal(t, []int64{-1, 0, 1 << 40}, got["ids"].Int64s)
	assert.Equal(t, [][]byte{[]byte("flat"), {}}, got["label"].Bytes)
}

func TestMarshalExampleDeterministic(t *testing.T) {
	a := Example{"X": FloatFeature(1, 2), "y": FloatFeature(3)}
	b := Example{"y": FloatFeature(3), "X": FloatFeature(1, 2)}
	assert.Equal(t, MarshalExample(a), MarshalExample(b))
}

func TestUnmarshalUnpackedFloatList(t *testing.T) {
	var list []byte
	for _, v := range []float32{1, 2} {
		list = protowire.AppendTag(list, listValueField, protowire.Fixed32Type)
		list = protowire.AppendFixed32(list, math.Float32bits(v))
	}
	var feature []byte
	feature = protowire.AppendTag(feature, floatListField, protowire.BytesType)
	feature = protowire.AppendBytes(feature, list)

	var entry []byte
	entry = protowire.AppendTag(entry, mapKeyField, protowire.BytesType)
	entry = protowire.AppendString(entry, "X")
	entry = protowire.AppendTag(entry, mapValueField, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feature)

	var features []byte
	features = protowire.AppendTag(features, featuresMapField, protowire.BytesType)
	features = protowire.AppendBytes(features, entry)

	var msg []byte
	msg = protowire.AppendTag(msg, exampleFeaturesField, protowire.BytesType)
	msg = protowire.AppendBytes(msg, features)

	ex, err := UnmarshalExample(msg)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, ex["X"].Floats)
}

func TestUnmarshalExampleMalformed(t *testing.T) {
	_, err := UnmarshalExample([]byte{0x0A, 0x05, 0x01})
	assert.Error(t, err)
}
