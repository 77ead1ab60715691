package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/jobs"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// StreamJob sends the job as JSON over a websocket, once on connect and again
// on every update, and closes the connection when the job finishes.
func (h *Handler) StreamJob(c echo.Context) error {
	id := c.Param("id")

	// subscribe before reading, so no update between the two is lost
	updates, cancel := h.jobs.Subscribe(id)
	defer cancel()

	job, err := h.jobs.Get(c.Request().Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		return notFound("no job with id " + id)
	}
	if err != nil {
		return internalError(err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade for job %s: %v", id, err)
		return nil
	}
	defer conn.Close()

	// the client only talks to close; reading is what notices it
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(j jobs.Job) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(j); err != nil {
			h.logger.Debugf("stream of job %s ended: %v", id, err)
			return false
		}
		return true
	}

	if !send(job) {
		return nil
	}
stream:
	for !job.State.Done() {
		select {
		case <-gone:
			return nil
		case next, ok := <-updates:
			if !ok {
				break stream
			}
			job = next
			if !send(job) {
				return nil
			}
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
	return nil
}
