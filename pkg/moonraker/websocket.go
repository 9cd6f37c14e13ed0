package moonraker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 512 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendQueue    = 256
)

// wsClient is one websocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, wsSendQueue),
		done:   make(chan struct{}),
	}
}

// send queues msg, dropping it when the client is not keeping up.
func (c *wsClient) send(msg any) {
	select {
	case <-c.done:
	case c.sendCh <- msg:
	default:
		c.server.log.Warn("dropping message to websocket client %d (queue full)", c.id)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("websocket read error: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		// a calibration can run for minutes; keep reading meanwhile
		go c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.Warn("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParse, Message: "parse error"}})
		return
	}
	c.send(c.server.call(context.Background(), req, c))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d connected", client.id)

	go client.writePump()
	client.send(notification{JSONRPC: "2.0", Method: "notify_klippy_ready"})
	client.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, c.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, c.id)
	s.subMu.Unlock()

	s.log.Debug("websocket client %d disconnected", c.id)
}

// broadcast sends msg to every connected client.
func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, c := range s.wsClients {
		c.send(msg)
	}
}

// broadcastStatus sends each subscribed client the current state of the
// objects it subscribed to.
func (s *Server) broadcastStatus() {
	s.subMu.RLock()
	subs := make(map[int64]map[string][]string, len(s.subscriptions))
	for id, objects := range s.subscriptions {
		subs[id] = objects
	}
	s.subMu.RUnlock()
	if len(subs) == 0 {
		return
	}

	eventtime := s.eventtime()
	for id, objects := range subs {
		s.wsClientMu.RLock()
		c, ok := s.wsClients[id]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}
		status := s.queryStatus(objects)
		if len(status) == 0 {
			continue
		}
		c.send(notification{JSONRPC: "2.0", Method: "notify_status_update", Params: []any{status, eventtime}})
	}
}
