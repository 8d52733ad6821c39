package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errUnsupportedMedia     = errors.New("unsupported media type")
	errUnsupportedEncoding  = errors.New("unsupported content encoding")
	errInvalidGzip          = errors.New("invalid gzip data")
)

// maxDecompressedReader fails once more than limit bytes have been inflated.
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}
	if max := r.limit - r.consumed; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := r.reader.Read(p)
	r.consumed += int64(n)

	if r.consumed >= r.limit && err == nil {
		// at the limit: one more byte means the body is too large
		var peek [1]byte
		if m, _ := r.reader.Read(peek[:]); m > 0 {
			return n, errDecompressedTooLarge
		}
	}
	return n, err
}

// requestReader returns a reader enforcing both size limits. The cleanup
// func must be called once the body has been consumed.
func requestReader(w http.ResponseWriter, r *http.Request, opts *ServerOptions) (io.Reader, func(), error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMedia, ct)
	}
	limited := http.MaxBytesReader(w, r.Body, opts.MaxRequestSize)

	encoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch encoding {
	case "":
		if opts.MaxDecompressedSize < opts.MaxRequestSize {
			limited = http.MaxBytesReader(w, r.Body, opts.MaxDecompressedSize)
		}
		return limited, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(limited)
		if err != nil {
			return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
		}
		return &maxDecompressedReader{reader: gz, limit: opts.MaxDecompressedSize}, func() { gz.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, encoding)
	}
}

// decodeJSON reads the request body into dst. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, opts *ServerOptions, dst any) error {
	body, cleanup, err := requestReader(w, r, opts)
	if err != nil {
		return err
	}
	defer cleanup()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

// bodyErrorStatus maps request body failures to HTTP status codes.
func bodyErrorStatus(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, errDecompressedTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMedia), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
