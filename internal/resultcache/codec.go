package resultcache

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// magic prefixes every record file; the version digit changes with the layout.
var magic = []byte("FCR1")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zencoder *zstd.Encoder
	zdecoder *zstd.Decoder
)

func init() {
	var err error

	// Core deterministic encoding: the same record always yields the same bytes.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("resultcache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("resultcache: CBOR decoder initialization failed: " + err.Error())
	}

	// Nil writers/readers: only EncodeAll and DecodeAll are used.
	zencoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("resultcache: zstd encoder initialization failed: " + err.Error())
	}
	zdecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("resultcache: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeRecord returns the on-disk form: magic, then zstd(CBOR(record)).
func encodeRecord(r model.ResultRecord) ([]byte, error) {
	raw, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	out := make([]byte, 0, len(magic)+len(raw)/2)
	out = append(out, magic...)
	return zencoder.EncodeAll(raw, out), nil
}

// decodeRecord reverses encodeRecord and checks the embedded digest.
func decodeRecord(want model.Digest, data []byte) (*model.ResultRecord, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, errors.New("bad magic")
	}
	raw, err := zdecoder.DecodeAll(data[len(magic):], nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var r model.ResultRecord
	if err := decMode.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if r.Digest != want {
		return nil, fmt.Errorf("digest mismatch: file for %s holds %s", want.Short(), r.Digest.Short())
	}
	if r.Outcome != model.OutcomeSuccess && r.Outcome != model.OutcomeFailure {
		return nil, fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	return &r, nil
}
