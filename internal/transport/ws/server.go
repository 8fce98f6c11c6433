package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/world"
)

type Server struct {
	world *world.World
	hub   *Hub
	log   *log.Logger

	writeWait time.Duration
	pongWait  time.Duration

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, hub *Hub, logger *log.Logger) *Server {
	s := &Server{
		world:     w,
		hub:       hub,
		log:       logger,
		writeWait: 5 * time.Second,
		pongWait:  60 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// SetTimeouts overrides the per-frame write deadline and the idle read
// deadline. Pings go out at nine tenths of the read deadline.
func (s *Server) SetTimeouts(write, read time.Duration) {
	if write > 0 {
		s.writeWait = write
	}
	if read > 0 {
		s.pongWait = read
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(r.Context(), conn)
		if c == nil {
			return
		}
		defer s.hub.unregister(c.id)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(s.pongWait * 9 / 10)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.kicked:
					s.log.Printf("client %s kicked: outbound queue full", c.id)
					closeWith(conn, websocket.ClosePolicyViolation, protocol.ErrSlowConsumer)
					_ = conn.Close()
					return
				case f := <-c.out:
					mt := websocket.TextMessage
					if f.binary {
						mt = websocket.BinaryMessage
					}
					_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
					if err := conn.WriteMessage(mt, f.data); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop.
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.pongWait))
		})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeWatch {
				continue
			}
			var watch protocol.WatchMsg
			if err := json.Unmarshal(msg, &watch); err != nil || watch.ProtocolVersion != protocol.Version || !watch.Target.Valid() {
				s.sendError(c.id, protocol.ErrProtoBadRequest, "bad WATCH")
				continue
			}
			select {
			case s.world.Watch() <- world.WatchRequest{ClientID: c.id, Target: watch.Target}:
			case <-ctx.Done():
			case <-s.world.Done():
			}
		}

		// Cleanup.
		s.leave(c.id)
	}
}

// leave tells the world a client is gone. Once the world loop has exited
// there is nobody left to tell.
func (s *Server) leave(clientID string) {
	select {
	case s.world.Leave() <- clientID:
	case <-s.world.Done():
	}
}

// handshake reads HELLO, registers the client and waits for the world to
// admit it. WELCOME and the join snapshots are already queued on return.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	c := s.hub.register(hello.ClientName, hello.Capabilities.Zstd, hello.Capabilities.MaxQueue)
	respCh := make(chan world.JoinResponse, 1)
	select {
	case s.world.Join() <- world.JoinRequest{ClientID: c.id, Name: hello.ClientName, Resp: respCh}:
	case <-ctx.Done():
		s.hub.unregister(c.id)
		return nil
	case <-s.world.Done():
		s.hub.unregister(c.id)
		closeWith(conn, websocket.CloseGoingAway, protocol.ErrServerBusy)
		return nil
	}
	var resp world.JoinResponse
	select {
	case resp = <-respCh:
	case <-ctx.Done():
		// The world may still admit the client; Leave keeps its books straight.
		s.hub.unregister(c.id)
		s.leave(c.id)
		return nil
	case <-s.world.Done():
		s.hub.unregister(c.id)
		closeWith(conn, websocket.CloseGoingAway, protocol.ErrServerBusy)
		return nil
	}
	if resp.Err != nil {
		s.log.Printf("join %s (%s): %v", c.id, hello.ClientName, resp.Err)
		s.hub.unregister(c.id)
		closeWith(conn, websocket.CloseTryAgainLater, protocol.ErrServerBusy)
		return nil
	}
	s.log.Printf("client %s joined name=%s zstd=%v queue=%d", c.id, hello.ClientName, c.zstd, cap(c.out))
	return c
}

func (s *Server) sendError(clientID, code, message string) {
	b, err := json.Marshal(protocol.NewError(code, message))
	if err != nil {
		return
	}
	s.hub.Send(clientID, b)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
