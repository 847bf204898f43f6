package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// compressibleTypes типы ответов, которые сжимаются. Изображения и XLSX
// уже сжаты.
var compressibleTypes = []string{
	"application/json",
	"text/html",
	"text/plain",
}

type gzipBody struct {
	io.ReadCloser
	zr *gzip.Reader
}

func (b *gzipBody) Read(p []byte) (int, error) {
	return b.zr.Read(p)
}

func (b *gzipBody) Close() error {
	if err := b.zr.Close(); err != nil {
		return err
	}
	return b.ReadCloser.Close()
}

// GzipMiddleware распаковывает тела запросов с Content-Encoding: gzip и
// сжимает ответы для клиентов, принимающих gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	compress := chimw.Compress(gzip.DefaultCompression, compressibleTypes...)(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			r.Body = &gzipBody{ReadCloser: r.Body, zr: zr}
			r.Header.Del("Content-Encoding")
		}

		compress.ServeHTTP(w, r)
	})
}
