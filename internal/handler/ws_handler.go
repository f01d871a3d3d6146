package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veritest/veritest-backend/internal/middleware"
	"github.com/veritest/veritest-backend/internal/model"
	"github.com/veritest/veritest-backend/internal/service"
	ws "github.com/veritest/veritest-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams the authoritative attempt clock to students.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptClockStream godoc
// WS /ws/v1/student/attempts/:attempt_id/clock
// Pushes the remaining time every second and a terminal event once the
// attempt closes. The stream is advisory: enforcement happens on writes
// and on the sweep, never here.
func (h *WSHandler) AttemptClockStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attempt ID"})
		return
	}

	// Ownership check before upgrading.
	deadline, err := h.attemptService.Deadline(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("clock stream connected")

	// Read pump: pings and in-stream submits.
	actions := make(chan ws.Action)
	go func() {
		defer close(actions)
		for {
			var msg ws.RequestEnvelope
			if err := ws.ReadJSON(conn, &msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					wsLog.Warn().Err(err).Msg("unexpected close")
				}
				return
			}
			actions <- msg.Action
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case action, ok := <-actions:
			if !ok {
				wsLog.Debug().Msg("clock stream closed")
				return
			}
			switch action {
			case ws.ActionPing:
				if err := ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong}); err != nil {
					return
				}
			case ws.ActionSubmit:
				attempt, err := h.attemptService.Submit(c.Request.Context(), attemptID, claims.UserID, service.TriggerStudent)
				if err != nil {
					ws.WriteError(conn, "submit failed")
					continue
				}
				h.pushSubmitted(conn, attempt, string(service.TriggerStudent))
				return
			default:
				ws.WriteError(conn, "unknown action: "+string(action))
			}

		case now := <-ticker.C:
			remaining := int(time.Until(deadline).Seconds())
			if remaining > 0 && now.Before(deadline) {
				err := ws.WriteTyped(conn, ws.TickResponse{
					Event:            ws.EventTick,
					RemainingSeconds: remaining,
					DeadlineUnix:     deadline.Unix(),
				})
				if err != nil {
					return
				}
				continue
			}

			// Deadline reached. Close the attempt and push the result.
			attempt, err := h.attemptService.Submit(c.Request.Context(), attemptID, claims.UserID, service.TriggerTimer)
			if err != nil {
				wsLog.Warn().Err(err).Msg("timer submit failed")
				ws.WriteError(conn, "attempt closure pending")
				return
			}
			h.pushSubmitted(conn, attempt, string(service.TriggerTimer))
			return
		}
	}
}

func (h *WSHandler) pushSubmitted(conn *websocket.Conn, attempt *model.Attempt, trigger string) {
	_ = ws.WriteTyped(conn, ws.SubmittedResponse{
		Event:       ws.EventSubmitted,
		TriggeredBy: trigger,
		Score:       attempt.Score,
		Grade:       attempt.Grade,
	})
}
