package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/broadcast"
)

const (
	defaultHeartbeat = 25 * time.Second
	// resyncEvent tells the client its stream lost events and the board must
	// be reloaded before resubscribing.
	resyncEvent = "resync"
)

// streamBoard relays board events as server-sent events until the client
// disconnects or the subscription ends.
func (h *handlers) streamBoard(c echo.Context) error {
	boardKey := boardKeyParam(c)
	p, ok, err := h.authorize(c, nil, boardKey)
	if !ok {
		return err
	}
	ctx := c.Request().Context()
	topic := broadcast.Topic(p.AccountID, boardKey)
	fields := log.Fields{"account": p.AccountID, "board": boardKey, "subscriber": uuid.NewString()}

	sub, err := h.Stream.Subscribe(ctx, topic)
	if err != nil {
		h.Logger.WithError(err).WithFields(fields).Error("failed to subscribe to board events")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "stream unavailable"})
	}
	defer sub.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "stream unsupported"})
	}
	res.WriteHeader(http.StatusOK)
	if _, err := res.Write([]byte(": connected\n\n")); err != nil {
		return nil
	}
	flusher.Flush()
	h.Logger.WithFields(fields).Debug("board stream opened")

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Logger.WithFields(fields).Debug("board stream closed by client")
			return nil
		case <-heartbeat.C:
			if _, err := res.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				reason := "closed"
				if errors.Is(sub.Err(), broadcast.ErrLagged) {
					reason = "lagged"
				}
				h.Logger.WithFields(fields).WithField("reason", reason).Warn("board stream ended")
				_, _ = res.Write([]byte("event: " + resyncEvent + "\ndata: {\"reason\":\"" + reason + "\"}\n\n"))
				flusher.Flush()
				return nil
			}
			data, err := broadcast.Encode(ev)
			if err != nil {
				h.Logger.WithError(err).WithFields(fields).Error("failed to encode board event")
				continue
			}
			if _, err := res.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
