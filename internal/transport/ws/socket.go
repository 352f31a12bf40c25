package ws

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"notifyrelay/internal/fault"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

type socket struct {
	hub     *Hub
	id      model.ChannelID
	user    int64
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string
}

func newSocket(h *Hub, id model.ChannelID, user int64, conn *websocket.Conn) *socket {
	return &socket{
		hub:     h,
		id:      id,
		user:    user,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: newLimiter(h.cfg),
		done:    make(chan struct{}),
	}
}

// close asks the write loop to send a close frame and hang up. Only the
// first call counts.
func (s *socket) close(code int, msg string) {
	s.closeOnce.Do(func() {
		s.closeCode, s.closeMsg = code, msg
		close(s.done)
	})
}

func (s *socket) enqueue(b []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("ws: channel %s closing: %w", s.id, fault.ErrTransportFailure)
	default:
	}
	select {
	case s.send <- b:
		return nil
	default:
		s.hub.dropped.Add(1)
		return fmt.Errorf("ws: channel %s send buffer full: %w", s.id, fault.ErrCapacityExceeded)
	}
}

// reply queues a control frame, bypassing the emit rate budget.
func (s *socket) reply(event string, data any) {
	b, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return
	}
	_ = s.enqueue(b)
}

func (s *socket) writePump() {
	cfg := s.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			deadline := time.Now().Add(cfg.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeMsg), deadline)
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.hub.log.Debug("socket write failed", logx.String("channel", string(s.id)), logx.Err(err))
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			// the pong echoes this timestamp back for latency sampling
			stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte(stamp), time.Now().Add(cfg.WriteTimeout)); err != nil {
				s.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *socket) readPump() {
	h := s.hub
	defer func() {
		s.close(websocket.CloseNormalClosure, "")
		h.drop(s)
		h.log.Debug("socket disconnected", logx.String("channel", string(s.id)), logx.Int64("user_id", s.user))
	}()

	wait := 2 * h.cfg.PingInterval
	s.conn.SetReadLimit(h.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(payload string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		if sent, err := strconv.ParseInt(payload, 10, 64); err == nil {
			h.reg.RecordLatency(s.id, time.Since(time.Unix(0, sent)))
		}
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseServiceRestart) {
				h.log.Debug("socket read failed", logx.String("channel", string(s.id)), logx.Err(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		h.reg.Touch(s.id)
		s.handle(msg)
	}
}

// handle dispatches one client frame:
//
//	{"type":"ack","id":"<message id>"}
//	{"type":"join","room":"captions"}
//	{"type":"leave","room":"captions"}
//	{"type":"ping"}
func (s *socket) handle(msg []byte) {
	if !gjson.ValidBytes(msg) {
		s.reply("error", map[string]string{"error": "invalid json"})
		return
	}
	h := s.hub
	f := gjson.ParseBytes(msg)
	switch typ := f.Get("type").String(); typ {
	case "ack":
		id := f.Get("id").String()
		if id == "" {
			s.reply("error", map[string]string{"error": "ack without id"})
			return
		}
		if h.acks != nil && !h.acks.ConfirmDelivery(id, s.user) {
			h.log.Debug("ack for unknown delivery", logx.String("message_id", id), logx.Int64("user_id", s.user))
		}
	case "join", "leave":
		room := f.Get("room").String()
		op, ack := h.reg.JoinRoom, "joined"
		if typ == "leave" {
			op, ack = h.reg.LeaveRoom, "left"
		}
		if err := op(s.id, room); err != nil {
			s.reply("error", map[string]string{"error": err.Error(), "room": room})
			return
		}
		s.reply(ack, map[string]string{"room": room})
	case "ping":
		s.reply("pong", map[string]int64{"ts": time.Now().UnixMilli()})
	default:
		s.reply("error", map[string]string{"error": "unknown frame type", "type": typ})
	}
}
