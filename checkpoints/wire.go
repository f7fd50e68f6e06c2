package checkpoints

import (
	"bytes"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoints are a magic prefix followed by a protobuf-encoded
// message:
//
//	message Checkpoint {
//	  repeated Weight weights = 1;
//	  State state = 2;
//	  Metadata metadata = 3;
//	}
//	message Weight   { string name = 1; repeated int64 shape = 2; repeated double data = 3; bool frozen = 4; }
//	message State    { int64 epoch = 1; int64 step = 2; double learning_rate = 3; double best_loss = 4; double best_accuracy = 5; }
//	message Metadata { string version = 1; string framework = 2; int64 created_at_unix_nano = 3; string description = 4; repeated string tags = 5; }
var binaryMagic = []byte("GFCK")

const (
	fieldWeights  protowire.Number = 1
	fieldState    protowire.Number = 2
	fieldMetadata protowire.Number = 3

	fieldWeightName   protowire.Number = 1
	fieldWeightShape  protowire.Number = 2
	fieldWeightData   protowire.Number = 3
	fieldWeightFrozen protowire.Number = 4

	fieldStateEpoch        protowire.Number = 1
	fieldStateStep         protowire.Number = 2
	fieldStateLearningRate protowire.Number = 3
	fieldStateBestLoss     protowire.Number = 4
	fieldStateBestAccuracy protowire.Number = 5

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3
	fieldMetaDescription protowire.Number = 4
	fieldMetaTags        protowire.Number = 5
)

// MarshalBinary encodes a checkpoint in the binary format.
func MarshalBinary(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), binaryMagic...)

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}

	b = protowire.AppendTag(b, fieldState, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalState(c.TrainingState))

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(c.Metadata))

	return b, nil
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWeightName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(int64(d)))
	}
	b = protowire.AppendTag(b, fieldWeightShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldWeightData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	if w.Frozen {
		b = protowire.AppendTag(b, fieldWeightFrozen, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func marshalState(s TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStateEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(s.Epoch)))
	b = protowire.AppendTag(b, fieldStateStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(s.Step)))
	b = protowire.AppendTag(b, fieldStateLearningRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	b = protowire.AppendTag(b, fieldStateBestLoss, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestLoss))
	b = protowire.AppendTag(b, fieldStateBestAccuracy, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestAccuracy))
	return b
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetaVersion, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, fieldMetaFramework, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldMetaCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	if m.Description != "" {
		b = protowire.AppendTag(b, fieldMetaDescription, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, fieldMetaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// UnmarshalBinary decodes a checkpoint written by MarshalBinary. Unknown
// fields are skipped.
func UnmarshalBinary(data []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(data, binaryMagic) {
		return nil, errors.New("not a binary checkpoint")
	}
	b := data[len(binaryMagic):]

	c := &Checkpoint{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case fieldWeights:
			w, err := unmarshalWeight(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
		case fieldState:
			s, err := unmarshalState(v)
			if err != nil {
				return 0, err
			}
			c.TrainingState = s
		case fieldMetadata:
			m, err := unmarshalMetadata(v)
			if err != nil {
				return 0, err
			}
			c.Metadata = m
		}
		return n, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "malformed binary checkpoint")
	}
	return c, nil
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldWeightName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			w.Name = v
			return n, nil
		case num == fieldWeightShape && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(int64(d)))
				v = v[m:]
			}
			return n, nil
		case num == fieldWeightData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if len(v)%8 != 0 {
				return 0, errors.Errorf("weight %s: packed data length %d is not a multiple of 8", w.Name, len(v))
			}
			w.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				v = v[m:]
			}
			return n, nil
		case num == fieldWeightFrozen && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			w.Frozen = protowire.DecodeBool(v)
			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
	return w, err
}

func unmarshalState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case fieldStateEpoch:
				s.Epoch = int(int64(v))
			case fieldStateStep:
				s.Step = int(int64(v))
			}
			return n, nil
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f := math.Float64frombits(v)
			switch num {
			case fieldStateLearningRate:
				s.LearningRate = f
			case fieldStateBestLoss:
				s.BestLoss = f
			case fieldStateBestAccuracy:
				s.BestAccuracy = f
			}
			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
	return s, err
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case fieldMetaVersion:
				m.Version = v
			case fieldMetaFramework:
				m.Framework = v
			case fieldMetaDescription:
				m.Description = v
			case fieldMetaTags:
				m.Tags = append(m.Tags, v)
			}
			return n, nil
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == fieldMetaCreatedAt {
				m.CreatedAt = time.Unix(0, int64(v)).UTC()
			}
			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
	return m, err
}

// consumeFields walks the fields of one message, handing each field's value
// bytes to fn, which reports how many bytes it consumed.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
