package persist_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/cachesync/modules/persist"
)

func unixMilli(ms int64) time.Time { return time.UnixMilli(ms) }

type resume struct {
	Title string `json:"title" msgpack:"title"`
}

func TestCodecRecordRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := persist.CodecByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			payload, err := codec.Marshal(resume{Title: "X"})
			require.NoError(t, err)

			created := unixMilli(1_700_000_000_000)
			raw, err := codec.EncodeRecord(persist.Record{Data: payload, CreatedAt: created, TTL: 5 * time.Second})
			require.NoError(t, err)

			rec, err := codec.DecodeRecord(raw)
			require.NoError(t, err)
			assert.True(t, rec.CreatedAt.Equal(created))
			assert.Equal(t, 5*time.Second, rec.TTL)

			var got resume
			require.NoError(t, codec.Unmarshal(rec.Data, &got))
			assert.Equal(t, "X", got.Title)
		})
	}
}

func TestJSONRecordShape(t *testing.T) {
	raw, err := persist.JSONCodec{}.EncodeRecord(persist.Record{
		Data:      []byte(`{"title":"X"}`),
		CreatedAt: unixMilli(1000),
		TTL:       5000 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"title":"X"},"createdAt":1000,"ttl":5000}`, string(raw))
}

func TestDecodeRecordRejectsCorruptInput(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{{`,
		"missing data":     `{"createdAt":1000,"ttl":0}`,
		"zero createdAt":   `{"data":1,"createdAt":0,"ttl":0}`,
		"negative ttl":     `{"data":1,"createdAt":1000,"ttl":-1}`,
		"wrong field type": `{"data":1,"createdAt":"soon","ttl":0}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := persist.JSONCodec{}.DecodeRecord([]byte(in))
			assert.ErrorIs(t, err, persist.ErrCorruptRecord)
		})
	}

	_, err := persist.MsgpackCodec{}.DecodeRecord([]byte{0xc1})
	assert.ErrorIs(t, err, persist.ErrCorruptRecord)
}

func TestJSONEncodeRejectsInvalidPayload(t *testing.T) {
	_, err := persist.JSONCodec{}.EncodeRecord(persist.Record{Data: []byte("{"), CreatedAt: unixMilli(1)})
	assert.Error(t, err)
}

func TestCodecByNameUnknown(t *testing.T) {
	_, err := persist.CodecByName("xml")
	assert.Error(t, err)

	c, err := persist.CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())
}

func TestRecordExpiry(t *testing.T) {
	created := unixMilli(10_000)
	r := persist.Record{CreatedAt: created, TTL: 5 * time.Second}
	assert.False(t, r.Expired(created.Add(4*time.Second)))
	assert.True(t, r.Expired(created.Add(5*time.Second)))
	assert.Equal(t, created.Add(5*time.Second), r.ExpiresAt())

	forever := persist.Record{CreatedAt: created}
	assert.False(t, forever.Expired(created.Add(1000*time.Hour)))
	assert.True(t, forever.ExpiresAt().IsZero())
}
