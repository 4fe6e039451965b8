package server

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// Scrapes repeat every few seconds and the metric text is highly
// repetitive, so a low brotli level already beats gzip.
const brotliLevel = 4

var (
	gzipPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	}}
	brotliPool = sync.Pool{New: func() any {
		return brotli.NewWriterLevel(io.Discard, brotliLevel)
	}}
)

// negotiateEncoding picks "br" or "gzip" from an Accept-Encoding header,
// preferring brotli. It returns "" when neither is acceptable.
func negotiateEncoding(header string) string {
	var gz bool
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		switch strings.TrimSpace(name) {
		case "br":
			return "br"
		case "gzip":
			gz = true
		}
	}
	if gz {
		return "gzip"
	}
	return ""
}

// compressHandler encodes the response body when the client accepts it.
func compressHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if enc == "" {
			next.ServeHTTP(w, r)
			return
		}
		ew := &encodedWriter{ResponseWriter: w, encoding: enc}
		defer ew.finish()
		next.ServeHTTP(ew, r)
	})
}

// encodedWriter starts the encoder on the first header write. Responses
// that already carry a Content-Encoding or have no body pass through.
type encodedWriter struct {
	http.ResponseWriter
	encoding    string
	enc         io.WriteCloser
	wroteHeader bool
}

func (ew *encodedWriter) WriteHeader(code int) {
	if ew.wroteHeader {
		return
	}
	ew.wroteHeader = true

	h := ew.Header()
	if h.Get("Content-Encoding") == "" && code != http.StatusNoContent && code != http.StatusNotModified {
		h.Set("Content-Encoding", ew.encoding)
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
		switch ew.encoding {
		case "br":
			bw := brotliPool.Get().(*brotli.Writer)
			bw.Reset(ew.ResponseWriter)
			ew.enc = bw
		case "gzip":
			gw := gzipPool.Get().(*gzip.Writer)
			gw.Reset(ew.ResponseWriter)
			ew.enc = gw
		}
	}
	ew.ResponseWriter.WriteHeader(code)
}

func (ew *encodedWriter) Write(b []byte) (int, error) {
	if !ew.wroteHeader {
		ew.WriteHeader(http.StatusOK)
	}
	if ew.enc != nil {
		return ew.enc.Write(b)
	}
	return ew.ResponseWriter.Write(b)
}

func (ew *encodedWriter) finish() {
	if ew.enc == nil {
		return
	}
	_ = ew.enc.Close()
	switch w := ew.enc.(type) {
	case *brotli.Writer:
		brotliPool.Put(w)
	case *gzip.Writer:
		gzipPool.Put(w)
	}
	ew.enc = nil
}
