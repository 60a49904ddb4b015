package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/actions"
	"tileworld.ai/internal/sim/agents"
	"tileworld.ai/internal/sim/world"
)

const (
	writeWait     = 5 * time.Second
	readWait      = 60 * time.Second
	handshakeWait = 5 * time.Second
	outQueue      = 256
)

type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader

	sessions atomic.Int64
	dropped  atomic.Uint64
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Sessions is the number of connected agents.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

// Dropped counts outbound messages discarded for slow clients.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// session is one connected agent. RESULT and WORLD messages are queued in
// order on out; TICK keeps only the newest pending message.
type session struct {
	agentID string
	out     chan []byte
	tickOut chan []byte
	ctx     context.Context
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		agentID := s.handshake(conn)
		if agentID == "" {
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sess := &session{
			agentID: agentID,
			out:     make(chan []byte, outQueue),
			tickOut: make(chan []byte, 1),
			ctx:     ctx,
		}

		unsubscribe := s.world.OnTick(func(e world.TickLogEntry) {
			b, err := json.Marshal(protocol.TickMsg{
				Type:            protocol.TypeTick,
				ProtocolVersion: protocol.Version,
				Tick:            e.Tick,
				DayPhase:        e.DayPhase,
				Weather:         e.Weather,
				Events:          e.Events,
			})
			if err == nil {
				sendLatest(sess.tickOut, b)
			}
		})
		defer unsubscribe()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				var b []byte
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b = <-sess.out:
				case b = <-sess.tickOut:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					writeErr <- err
					return
				}
			}
		}()

		// Initial world view follows WELCOME.
		s.sendWorld(sess)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleMessage(sess, msg)
		}

		cancel()
		s.world.Leave(agentID)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (agentID string) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return ""
	}
	if hello.AgentName == "" {
		hello.AgentName = "agent"
	}

	p, err := s.world.Join(hello.AgentID, hello.AgentName)
	if err != nil {
		s.log.Printf("ws: join %q: %v", hello.AgentID, err)
		reason := "unknown agent_id"
		if errors.Is(err, agents.ErrAlreadyOnline) {
			reason = "agent_id already connected"
		}
		closeWith(conn, websocket.ClosePolicyViolation, reason)
		return ""
	}

	snap := s.world.Clock().Snapshot()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         p.ID,
		WorldParams:     s.world.Params(),
		Tick:            snap.Tick,
		DayPhase:        string(snap.DayPhase),
		Weather:         string(s.world.Weather()),
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.world.Leave(p.ID)
		return ""
	}
	return p.ID
}

func (s *Server) handleMessage(sess *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendResult(sess, protocol.ResultMsg{Outcome: string(actions.OutcomeFailed), Result: protocol.Result{Code: protocol.ErrProtoBadRequest, Message: "bad json"}})
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.sendResult(sess, protocol.ResultMsg{Outcome: string(actions.OutcomeFailed), Result: protocol.Result{Code: protocol.ErrProtoBadRequest, Message: "bad protocol_version"}})
		return
	}
	switch base.Type {
	case protocol.TypeCmd:
		var cmd protocol.CmdMsg
		if err := json.Unmarshal(msg, &cmd); err != nil {
			s.sendResult(sess, protocol.ResultMsg{Outcome: string(actions.OutcomeFailed), Result: protocol.Result{Code: protocol.ErrProtoBadRequest, Message: err.Error()}})
			return
		}
		s.handleCmd(sess, cmd)
	case protocol.TypeWorld:
		s.sendWorld(sess)
	default:
		s.sendResult(sess, protocol.ResultMsg{Outcome: string(actions.OutcomeFailed), Result: protocol.Result{Code: protocol.ErrProtoBadRequest, Message: fmt.Sprintf("unexpected message type %q", base.Type)}})
	}
}

// handleCmd answers with RESULT QUEUED once the command is accepted and a
// second RESULT carrying the final outcome. Cancels run immediately.
func (s *Server) handleCmd(sess *session, cmd protocol.CmdMsg) {
	reply := protocol.ResultMsg{RequestID: cmd.RequestID, Kind: cmd.Command.Kind}

	if cmd.Command.Kind == protocol.CmdCancel {
		res := s.world.Execute(sess.ctx, sess.agentID, cmd.Command)
		reply.ActionID = cmd.Command.ActionID
		reply.Outcome = string(actions.OutcomeSucceeded)
		if !res.Success {
			reply.Outcome = string(actions.OutcomeFailed)
		}
		reply.Result = res
		s.sendResult(sess, reply)
		return
	}

	prio, err := actions.ParsePriority(cmd.Priority)
	if err != nil {
		reply.Outcome = string(actions.OutcomeFailed)
		reply.Result = protocol.Result{Code: protocol.ErrBadRequest, Message: err.Error()}
		s.sendResult(sess, reply)
		return
	}

	queued := make(chan struct{})
	id, err := s.world.Submit(sess.agentID, cmd.Command, world.SubmitOptions{
		Priority:    prio,
		Timeout:     time.Duration(cmd.TimeoutMs) * time.Millisecond,
		Cancellable: cmd.Cancellable,
		Done: func(actionID string, outcome actions.Outcome, res protocol.Result) {
			<-queued
			final := reply
			final.ActionID = actionID
			final.Outcome = string(outcome)
			final.Result = res
			s.sendResult(sess, final)
		},
	})
	if err != nil {
		reply.Outcome = string(actions.OutcomeFailed)
		reply.Result = protocol.Result{Code: world.RejectCode(err), Message: err.Error()}
		s.sendResult(sess, reply)
		return
	}
	reply.ActionID = id
	reply.Outcome = "QUEUED"
	reply.Result = protocol.Result{Success: true}
	s.sendResult(sess, reply)
	close(queued)
}

func (s *Server) sendResult(sess *session, m protocol.ResultMsg) {
	m.Type = protocol.TypeResult
	m.ProtocolVersion = protocol.Version
	s.send(sess, m)
}

func (s *Server) sendWorld(sess *session) {
	s.send(sess, protocol.WorldMsg{
		Type:            protocol.TypeWorld,
		ProtocolVersion: protocol.Version,
		Data:            s.world.GetWorldData(),
	})
}

func (s *Server) send(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("ws: encode for %s: %v", sess.agentID, err)
		return
	}
	select {
	case sess.out <- b:
	case <-sess.ctx.Done():
	default:
		s.dropped.Add(1)
		s.log.Printf("ws: outbound queue full for %s; dropping message", sess.agentID)
	}
}

// sendLatest replaces any pending message with b.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
