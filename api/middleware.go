package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecompressRequests transparently inflates gzip-encoded request bodies.
// Clients compress PATCH payloads carrying large descriptions or label
// sets; handlers always see plain JSON. A body that claims gzip encoding
// but does not parse is rejected with a 400.
func DecompressRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if !requestIsGzipped(req) {
			return next(c)
		}

		raw := req.Body
		zr, err := gzip.NewReader(raw)
		if err != nil {
			_ = raw.Close()
			return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
		}

		req.Body = inflatedBody{zr: zr, raw: raw}
		req.ContentLength = -1
		req.Header.Del(echo.HeaderContentEncoding)
		req.Header.Del(echo.HeaderContentLength)
		return next(c)
	}
}

func requestIsGzipped(req *http.Request) bool {
	for _, enc := range strings.Split(req.Header.Get(echo.HeaderContentEncoding), ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// inflatedBody reads through the gzip stream and closes both it and the
// original request body.
type inflatedBody struct {
	zr  *gzip.Reader
	raw io.Closer
}

func (b inflatedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b inflatedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
