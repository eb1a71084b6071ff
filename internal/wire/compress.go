package wire

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the body size above which frames are zstd-compressed
// before framing. Grounded on glycerine-rpc25519's zstdCompressor
// (zstd.go): a shared encoder/decoder pair reused across calls rather than
// allocated per message. SYNCHRONIZE_RESPONSE bodies (spec.md §4.6, bulk
// commit replay) are the only messages large enough to ever cross it.
const compressThreshold = 4096

// codec is the process-wide zstd encoder/decoder pair, lazily built on
// first use so processes that never send a large body never pay for it.
type codec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

var globalCodec codec

func (c *codec) init() {
	c.once.Do(func() {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		c.enc = enc
		c.dec = dec
	})
}

// compressBody zstd-compresses body if it is large enough to be worth it,
// prefixing a one-byte flag so the receiver knows whether to decompress.
func compressBody(body []byte) []byte {
	if len(body) < compressThreshold {
		return append([]byte{0}, body...)
	}
	globalCodec.init()
	compressed := globalCodec.enc.EncodeAll(body, nil)
	return append([]byte{1}, compressed...)
}

// decompressBody reverses compressBody.
func decompressBody(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	flag, payload := body[0], body[1:]
	if flag == 0 {
		return payload, nil
	}
	globalCodec.init()
	return globalCodec.dec.DecodeAll(payload, nil)
}
