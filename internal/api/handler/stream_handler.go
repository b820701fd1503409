package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cuongbtq/booking-queue/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// origin checks are left to the gateway in front of the service
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamBookingStatus handles GET /appointments/booking-status/:job_id/ws
// Sends the current status, then every progress event until the job's channel closes
func (h *BookingHandler) StreamBookingStatus(c *gin.Context) {
	job, err := h.loadOwnedJob(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	// subscribe before upgrading so no event between snapshot and stream is lost
	var sub *notify.Subscription
	if !job.Status.IsTerminal() {
		sub = h.notifier.Subscribe(job.ID)
		defer sub.Close()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	snapshot := notify.NewEvent(notify.Update{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Current booking status",
		Result:  job.Result,
	}, h.now())
	if job.ErrorMessage != nil {
		snapshot.ErrorDetails = *job.ErrorMessage
	}
	if err := writeEvent(conn, snapshot); err != nil {
		return
	}

	if sub == nil {
		closeStream(conn, "job finished")
		return
	}

	h.logger.Debug("WebSocket client subscribed", slog.String("job_id", job.ID))
	h.pump(conn, sub)
}

// StreamQueue handles GET /appointments/queue/ws (admin only)
// Streams every progress event from the global channel
func (h *BookingHandler) StreamQueue(c *gin.Context) {
	sub := h.notifier.SubscribeGlobal()
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.logger.Info("Monitoring client connected", slog.String("ip", c.ClientIP()))
	h.pump(conn, sub)
}

// pump forwards events to the client until the subscription ends or the
// client goes away
func (h *BookingHandler) pump(conn *websocket.Conn, sub *notify.Subscription) {
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				closeStream(conn, "channel closed")
				return
			}
			if err := writeEvent(conn, event); err != nil {
				h.logger.Debug("WebSocket write failed",
					slog.String("channel", sub.Channel),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event notify.ProgressEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
