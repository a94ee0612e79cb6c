package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrCorruptRecord is returned by DecodeRecord for structurally invalid input.
var ErrCorruptRecord = errors.New("persist: corrupt record")

// Codec encodes cache payloads and the records wrapping them.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	EncodeRecord(r Record) ([]byte, error)
	DecodeRecord(data []byte) (Record, error)
}

// CodecByName returns the codec registered under name ("json" or "msgpack").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("persist: unknown codec %q", name)
	}
}

// JSONCodec stores records as {"data": <payload>, "createdAt": ms, "ttl": ms}.
type JSONCodec struct{}

type jsonRecord struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"createdAt"`
	TTL       int64           `json:"ttl"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) EncodeRecord(r Record) ([]byte, error) {
	if !json.Valid(r.Data) {
		return nil, fmt.Errorf("persist: record payload is not valid json")
	}
	return json.Marshal(jsonRecord{
		Data:      r.Data,
		CreatedAt: r.CreatedAt.UnixMilli(),
		TTL:       r.TTL.Milliseconds(),
	})
}

func (JSONCodec) DecodeRecord(data []byte) (Record, error) {
	var jr jsonRecord
	if err := json.Unmarshal(data, &jr); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return toRecord(jr.Data, jr.CreatedAt, jr.TTL)
}

// MsgpackCodec stores the same record shape in msgpack.
type MsgpackCodec struct{}

type msgpackRecord struct {
	Data      msgpack.RawMessage `msgpack:"data"`
	CreatedAt int64              `msgpack:"createdAt"`
	TTL       int64              `msgpack:"ttl"`
}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (MsgpackCodec) EncodeRecord(r Record) ([]byte, error) {
	return msgpack.Marshal(msgpackRecord{
		Data:      r.Data,
		CreatedAt: r.CreatedAt.UnixMilli(),
		TTL:       r.TTL.Milliseconds(),
	})
}

func (MsgpackCodec) DecodeRecord(data []byte) (Record, error) {
	var mr msgpackRecord
	if err := msgpack.Unmarshal(data, &mr); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return toRecord(mr.Data, mr.CreatedAt, mr.TTL)
}

// toRecord applies the structural checks shared by every codec.
func toRecord(data []byte, createdAt, ttl int64) (Record, error) {
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: missing data", ErrCorruptRecord)
	}
	if createdAt <= 0 || ttl < 0 {
		return Record{}, fmt.Errorf("%w: bad timestamps", ErrCorruptRecord)
	}
	return Record{
		Data:      data,
		CreatedAt: time.UnixMilli(createdAt),
		TTL:       time.Duration(ttl) * time.Millisecond,
	}, nil
}
