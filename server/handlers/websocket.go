package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/posture-screen/server/flow"
	"github.com/san-kum/posture-screen/server/models"
	"github.com/san-kum/posture-screen/server/processor"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 2*MaxPhotoSize*4/3 + 4096 // two base64 photos
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
)

type WebSocketHandler struct {
	processor *processor.AnalysisProcessor
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

type ClientMessage struct {
	Type      string `json:"type"`
	BackImage string `json:"back_image,omitempty"`
	SideImage string `json:"side_image,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *zap.Logger
}

func NewWebSocketHandler(p *processor.AnalysisProcessor, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		processor: p,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn, logger: h.logger}
	remote := c.ClientIP()
	headerClient := c.GetHeader(clientIDHeader)
	h.logger.Info("WebSocket client connected", zap.String("client_ip", remote))

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ws.pingLoop(ctx)
	}()

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err), zap.String("client_ip", remote))
			}
			return
		}

		switch message.Type {
		case "analyze":
			wg.Add(1)
			go func(m ClientMessage) {
				defer wg.Done()
				client := headerClient
				if client == "" {
					client = m.ClientID
				}
				h.analyze(ctx, ws, &m, client)
			}(message)
		case "ping":
			ws.send("pong", gin.H{"timestamp": time.Now().Unix()})
		default:
			h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
			ws.sendError("Unknown message type: " + message.Type)
		}
	}
}

// analyze reports the analyzing state, then the finished report.
func (h *WebSocketHandler) analyze(ctx context.Context, ws *wsConn, m *ClientMessage, client string) {
	back, err := dataURLImage(m.BackImage)
	if err != nil {
		ws.sendError("back photo: " + err.Error())
		return
	}
	side, err := dataURLImage(m.SideImage)
	if err != nil {
		ws.sendError("side photo: " + err.Error())
		return
	}

	ws.send("state", gin.H{"state": flow.StateAnalyzing})

	result, err := h.processor.AnalyzeImages(ctx, &models.AnalysisRequest{
		BackImage: back,
		SideImage: side,
		ClientID:  client,
	})
	if err != nil {
		h.logger.Error("WebSocket analysis failed", zap.Error(err))
		_, code := classify(err)
		ws.send("error", gin.H{
			"code":      code,
			"message":   "Analysis failed",
			"timestamp": time.Now().Unix(),
		})
		return
	}

	ws.send("report", result)
}

func (w *wsConn) send(messageType string, data any) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		w.logger.Debug("Failed to send WebSocket message", zap.Error(err))
	}
}

func (w *wsConn) sendError(message string) {
	w.send("error", gin.H{
		"code":      "invalid_input",
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}

func (w *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
