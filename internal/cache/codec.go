package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/quillmd/quill/internal/content"
)

// codec converts Content to and from its on-disk form.
type codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &codec{threshold: threshold, enc: enc, dec: dec}, nil
}

func (c *codec) encode(v content.Content) (blob []byte, kind string, compressed bool) {
	raw := v.Bytes()
	kind = string(v.Kind())
	if c.threshold > 0 && len(raw) > c.threshold {
		return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), kind, true
	}
	if raw == nil {
		raw = []byte{}
	}
	return raw, kind, false
}

func (c *codec) decode(blob []byte, kind string, compressed bool) (content.Content, error) {
	raw := blob
	if compressed {
		var err error
		raw, err = c.dec.DecodeAll(blob, nil)
		if err != nil {
			return content.Content{}, fmt.Errorf("failed to decompress content: %w", err)
		}
	}
	switch content.Kind(kind) {
	case content.KindBinary:
		return content.Binary(raw), nil
	case content.KindText, "":
		return content.Text(string(raw)), nil
	default:
		return content.Content{}, fmt.Errorf("unknown content kind %q", kind)
	}
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
