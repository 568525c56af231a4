// Package content defines the document payload carried between the editor,
// the local cache, the change queue and the remote transport.
package content

import (
	"bytes"
	"mime"
	"net/http"
	"path/filepath"
	"unicode/utf8"

	"github.com/quillmd/quill/internal/hashing"
)

// Kind tags which variant a Content holds.
type Kind string

const (
	// KindText is UTF-8 text such as markdown.
	KindText Kind = "text"
	// KindBinary is opaque bytes such as a PDF.
	KindBinary Kind = "binary"
)

// Content is either Text or Binary. The zero value is empty text.
type Content struct {
	kind Kind
	text string
	data []byte
}

// Text returns a text variant.
func Text(s string) Content {
	return Content{kind: KindText, text: s}
}

// Binary returns a binary variant. The slice is not copied.
func Binary(b []byte) Content {
	return Content{kind: KindBinary, data: b}
}

// FromBytes picks the variant from the payload: valid UTF-8 without NUL bytes
// becomes Text, anything else Binary.
func FromBytes(b []byte) Content {
	if utf8.Valid(b) && bytes.IndexByte(b, 0) < 0 {
		return Text(string(b))
	}
	return Binary(b)
}

// Kind reports the variant.
func (c Content) Kind() Kind {
	if c.kind == "" {
		return KindText
	}
	return c.kind
}

// IsText reports whether c is the text variant.
func (c Content) IsText() bool {
	return c.Kind() == KindText
}

// String returns the text, or the raw bytes as a string for binary content.
func (c Content) String() string {
	if c.IsText() {
		return c.text
	}
	return string(c.data)
}

// Bytes returns the payload bytes.
func (c Content) Bytes() []byte {
	if c.IsText() {
		return []byte(c.text)
	}
	return c.data
}

// Size is the payload length in bytes: UTF-8 length for text, slice length
// for binary.
func (c Content) Size() int64 {
	if c.IsText() {
		return int64(len(c.text))
	}
	return int64(len(c.data))
}

// Hash returns the hex BLAKE3 digest of the payload bytes.
func (c Content) Hash() string {
	return hashing.SumString(c.Bytes())
}

// Equal reports whether both values hold the same variant and bytes.
func (c Content) Equal(other Content) bool {
	if c.Kind() != other.Kind() {
		return false
	}
	if c.IsText() {
		return c.text == other.text
	}
	return bytes.Equal(c.data, other.data)
}

// DetectMimeType guesses a MIME type from the file extension, falling back
// to content sniffing.
func DetectMimeType(path string, c Content) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	switch filepath.Ext(path) {
	case ".md", ".markdown":
		return "text/markdown"
	}
	return http.DetectContentType(c.Bytes())
}
