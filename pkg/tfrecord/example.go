package tfrecord

import (
	"math"
	"sort"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the tf.train.Example message family.
const (
	exampleFeaturesField protowire.Number = 1
	featuresMapField     protowire.Number = 1
	mapKeyField          protowire.Number = 1
	mapValueField        protowire.Number = 2
	bytesListField       protowire.Number = 1
	floatListField       protowire.Number = 2
	int64ListField       protowire.Number = 3
	listValueField       protowire.Number = 1
)

// Feature holds exactly one of the three list kinds.
type Feature struct {
	Floats []float32
	Int64s []int64
	Bytes  [][]byte
}

// Example is a named set of features.
type Example map[string]Feature

// FloatFeature returns a float-list feature.
func FloatFeature(v ...float32) Feature { return Feature{Floats: v} }

// MarshalExample encodes ex in protobuf wire format. Keys are written in
// sorted order so equal examples produce equal bytes.
func MarshalExample(ex Example) []byte {
	keys := make([]string, 0, len(ex))
	for k := range ex {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var features []byte
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, mapKeyField, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, mapValueField, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalFeature(ex[k]))

		features = protowire.AppendTag(features, featuresMapField, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, exampleFeaturesField, protowire.BytesType)
	return protowire.AppendBytes(out, features)
}

func marshalFeature(f Feature) []byte {
	var list []byte
	var field protowire.Number
	switch {
	case f.Bytes != nil:
		field = bytesListField
		for _, b := range f.Bytes {
			list = protowire.AppendTag(list, listValueField, protowire.BytesType)
			list = protowire.AppendBytes(list, b)
		}
	case f.Int64s != nil:
		field = int64ListField
		var packed []byte
		for _, v := range f.Int64s {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		list = protowire.AppendTag(list, listValueField, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	default:
		field = floatListField
		packed := make([]byte, 0, 4*len(f.Floats))
		for _, v := range f.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		list = protowire.AppendTag(list, listValueField, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	}
	var out []byte
	out = protowire.AppendTag(out, field, protowire.BytesType)
	return protowire.AppendBytes(out, list)
}

// UnmarshalExample decodes a protobuf-encoded tf.train.Example. Unknown
// fields are skipped; both packed and unpacked numeric lists are accepted.
func UnmarshalExample(b []byte) (Example, error) {
	ex := Example{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != exampleFeaturesField || typ != protowire.BytesType {
			return nil
		}
		return eachField(v, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != featuresMapField || typ != protowire.BytesType {
				return nil
			}
			key, f, err := unmarshalEntry(entry)
			if err != nil {
				return err
			}
			ex[key] = f
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func unmarshalEntry(b []byte) (string, Feature, error) {
	var key string
	var f Feature
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case mapKeyField:
			key = string(v)
		case mapValueField:
			var err error
			f, err = unmarshalFeature(v)
			return err
		}
		return nil
	})
	return key, f, err
}

func unmarshalFeature(b []byte) (Feature, error) {
	var f Feature
	err := eachField(b, func(num protowire.Number, typ protowire.Type, list []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case bytesListField:
			f.Bytes = [][]byte{}
			return eachField(list, func(n protowire.Number, t protowire.Type, v []byte) error {
				if n == listValueField && t == protowire.BytesType {
					f.Bytes = append(f.Bytes, append([]byte{}, v...))
				}
				return nil
			})
		case floatListField:
			f.Floats = []float32{}
			return eachNumeric(list, protowire.Fixed32Type, func(raw []byte) int {
				v, n := protowire.ConsumeFixed32(raw)
				if n >= 0 {
					f.Floats = append(f.Floats, math.Float32frombits(v))
				}
				return n
			})
		case int64ListField:
			f.Int64s = []int64{}
			return eachNumeric(list, protowire.VarintType, func(raw []byte) int {
				v, n := protowire.ConsumeVarint(raw)
				if n >= 0 {
					f.Int64s = append(f.Int64s, int64(v))
				}
				return n
			})
		}
		return nil
	})
	return f, err
}

// eachField calls fn for every top-level field in b. For length-delimited
// fields v is the payload; for other wire types v is the raw value bytes.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "tfrecord: malformed example")
		}
		b = b[n:]

		var v []byte
		if typ == protowire.BytesType {
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Wrap(protowire.ParseError(m), "tfrecord: malformed example")
			}
			v, n = payload, m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "tfrecord: malformed example")
			}
			v = b[:n]
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// eachNumeric walks the value field of a numeric list, accepting the packed
// encoding and repeated unpacked elements of wire type elemType.
func eachNumeric(list []byte, elemType protowire.Type, consume func(raw []byte) int) error {
	return eachField(list, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != listValueField {
			return nil
		}
		switch typ {
		case protowire.BytesType:
			for len(v) > 0 {
				n := consume(v)
				if n < 0 {
					return errors.Wrap(protowire.ParseError(n), "tfrecord: malformed packed list")
				}
				v = v[n:]
			}
		case elemType:
			if n := consume(v); n < 0 {
				return errors.Wrap(protowire.ParseError(n), "tfrecord: malformed list element")
			}
		}
		return nil
	})
}
