package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

var keepAliveInterval = 30 * time.Second

// stream pushes the view state as server-sent events whenever it changes,
// with a comment heartbeat to keep idle connections open.
func (h *handler) stream(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	updates, stop := h.view.Listen()
	defer stop()

	if err := h.writeState(res); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-updates:
			if err := h.writeState(res); err != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			res.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *handler) writeState(res *echo.Response) error {
	data, err := sonic.Marshal(h.view.State())
	if err != nil {
		h.log.WithError(err).Error("encode stream state")
		return err
	}
	if _, err := res.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := res.Write(data); err != nil {
		return err
	}
	if _, err := res.Write([]byte("\n\n")); err != nil {
		return err
	}
	res.Flush()
	return nil
}
