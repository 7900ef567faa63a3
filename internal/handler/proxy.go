package handler

import (
	"io"
	"log/slog"
	"mime"

	"github.com/labstack/echo/v4"

	"authgate/internal/model"
	"authgate/internal/service"
)

// ProxyHandler forwards API requests under the mount prefix to the upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp := h.service.Handle(pr)
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything middleware set earlier.
	for key, vals := range resp.Header {
		c.Response().Header()[key] = append([]string(nil), vals...)
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. We log the error for observability.
	var dst io.Writer = c.Response()
	if isEventStream(resp.Header.Get(echo.HeaderContentType)) {
		dst = &flushWriter{res: c.Response()}
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// flushWriter pushes every chunk to the client as soon as it arrives.
type flushWriter struct {
	res *echo.Response
}

func (w *flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if err == nil {
		w.res.Flush()
	}
	return n, err
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}
