package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint wire format.
//
//	message Checkpoint {
//	  string run_id = 1;
//	  uint64 epoch = 2;
//	  repeated Weight parameters = 3;
//	  string version = 4;
//	  string framework = 5;
//	  int64 created_at_unix_nano = 6;
//	}
//	message Weight {
//	  string name = 1;
//	  repeated uint64 shape = 2 [packed = true];
//	  repeated fixed32 data = 3 [packed = true];
//	}
const (
	fieldRunID      protowire.Number = 1
	fieldEpoch      protowire.Number = 2
	fieldParameters protowire.Number = 3
	fieldVersion    protowire.Number = 4
	fieldFramework  protowire.Number = 5
	fieldCreatedAt  protowire.Number = 6

	fieldWeightName  protowire.Number = 1
	fieldWeightShape protowire.Number = 2
	fieldWeightData  protowire.Number = 3
)

// MarshalProto encodes a checkpoint in protobuf wire format
func MarshalProto(c *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, c.RunID)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	for _, w := range c.Parameters {
		b = protowire.AppendTag(b, fieldParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, c.Metadata.Version)
	b = protowire.AppendTag(b, fieldFramework, protowire.BytesType)
	b = protowire.AppendString(b, c.Metadata.Framework)
	if !c.Metadata.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Metadata.CreatedAt.UnixNano()))
	}
	return b
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWeightName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, dim := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(dim))
	}
	b = protowire.AppendTag(b, fieldWeightShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldWeightData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// UnmarshalProto decodes a checkpoint from protobuf wire format. Unknown fields are skipped.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	var c Checkpoint
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldRunID && typ == protowire.BytesType:
			c.RunID, n = protowire.ConsumeString(b)
		case num == fieldEpoch && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.Epoch = int(v)
		case num == fieldParameters && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				w, err := unmarshalWeight(raw)
				if err != nil {
					return nil, err
				}
				c.Parameters = append(c.Parameters, w)
			}
		case num == fieldVersion && typ == protowire.BytesType:
			c.Metadata.Version, n = protowire.ConsumeString(b)
		case num == fieldFramework && typ == protowire.BytesType:
			c.Metadata.Framework, n = protowire.ConsumeString(b)
		case num == fieldCreatedAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.Metadata.CreatedAt = time.Unix(0, int64(v))
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return &c, nil
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldWeightName && typ == protowire.BytesType:
			w.Name, n = protowire.ConsumeString(b)
		case num == fieldWeightShape && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(v))
				packed = packed[m:]
			}
		case num == fieldWeightData && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			if len(packed)%4 != 0 {
				return w, fmt.Errorf("weight %s: packed data length %d is not a multiple of 4", w.Name, len(packed))
			}
			w.Data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(v))
				packed = packed[m:]
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return w, nil
}
