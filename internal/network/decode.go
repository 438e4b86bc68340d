package network

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// DecodeBody removes any Content-Encoding the transport left in place. This
// happens when a script sets Accept-Encoding itself.
func DecodeBody(header http.Header, body []byte) ([]byte, error) {
	encodings := contentEncodings(header)
	for i := len(encodings) - 1; i >= 0; i-- {
		var err error
		body, err = decodeOne(encodings[i], body)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func contentEncodings(header http.Header) []string {
	var out []string
	for _, value := range header.Values("Content-Encoding") {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" && part != "identity" {
				out = append(out, part)
			}
		}
	}
	return out
}

func decodeOne(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		// HTTP deflate is zlib framed, but some servers send raw deflate.
		if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer r.Close()
			return io.ReadAll(r)
		}
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer d.Close()
		return d.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// DecodeText returns body as UTF-8 text, or nil when it is not text. A
// declared charset wins; otherwise valid UTF-8 is taken as is and anything
// else must be sniffed as text with a known charset.
func DecodeText(header http.Header, body []byte) *string {
	if label := charsetOf(header.Get("Content-Type")); label != "" && !isUTF8(label) {
		return convert(label, body)
	}
	if utf8.Valid(body) {
		s := string(body)
		return &s
	}
	mtype := mimetype.Detect(body)
	if label := charsetOf(mtype.String()); label != "" && !isUTF8(label) {
		return convert(label, body)
	}
	if !isText(mtype) {
		return nil
	}
	if label := detectCharset(body); label != "" && !isUTF8(label) {
		return convert(label, body)
	}
	return nil
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func detectCharset(body []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || result == nil {
		return ""
	}
	return strings.ToLower(result.Charset)
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

func isUTF8(label string) bool {
	return label == "utf-8" || label == "utf8"
}

func convert(label string, body []byte) *string {
	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return nil
	}
	out, err := io.ReadAll(r)
	if err != nil || !utf8.Valid(out) {
		return nil
	}
	s := string(out)
	return &s
}
