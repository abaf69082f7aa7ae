package database

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/hatlonely/multidb/rdb"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec 键值型后端中一行数据的编码方式
type Codec interface {
	Name() string
	Encode(row rdb.Row) ([]byte, error)
	Decode(data []byte) (rdb.Row, error)
}

// NewCodec 支持 msgpack、json、bson、protobuf
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return msgpackCodec{}, nil
	case "json":
		return jsonCodec{}, nil
	case "bson":
		return bsonCodec{}, nil
	case "protobuf":
		return protobufCodec{}, nil
	default:
		return nil, errors.Errorf("unsupported codec %q", name)
	}
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(row rdb.Row) ([]byte, error) {
	return msgpack.Marshal(map[string]any(row))
}

func (msgpackCodec) Decode(data []byte) (rdb.Row, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "msgpack.Unmarshal failed")
	}
	return rdb.Row(m), nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(row rdb.Row) ([]byte, error) {
	return json.Marshal(map[string]any(row))
}

// Decode 数字保留为 json.Number，避免大整数丢失精度
func (jsonCodec) Decode(data []byte) (rdb.Row, error) {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	var m map[string]any
	if err := d.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "json decode failed")
	}
	return rdb.Row(m), nil
}

type bsonCodec struct{}

func (bsonCodec) Name() string { return "bson" }

func (bsonCodec) Encode(row rdb.Row) ([]byte, error) {
	return bson.Marshal(bson.M(row))
}

func (bsonCodec) Decode(data []byte) (rdb.Row, error) {
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "bson.Unmarshal failed")
	}
	return fromBSON(m), nil
}

// protobufCodec 以 google.protobuf.Struct 编码
// Struct 只有 double 一种数值类型，超过 2^53 的整数会丢失精度
type protobufCodec struct{}

func (protobufCodec) Name() string { return "protobuf" }

func (protobufCodec) Encode(row rdb.Row) ([]byte, error) {
	fields := make(map[string]any, len(row))
	for k, v := range row {
		switch val := v.(type) {
		case time.Time:
			fields[k] = val.Format(time.RFC3339Nano)
		case []byte:
			fields[k] = string(val)
		default:
			fields[k] = v
		}
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "structpb.NewStruct failed")
	}
	return proto.Marshal(s)
}

func (protobufCodec) Decode(data []byte) (rdb.Row, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "proto.Unmarshal failed")
	}
	return rdb.Row(s.AsMap()), nil
}
