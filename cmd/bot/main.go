package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tileworld.ai/internal/protocol"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "bot", "agent name")
		agentID = flag.String("agent_id", "", "resume an existing agent (optional)")
		every   = flag.Uint64("every", 20, "issue a command every N broadcast ticks")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       *name,
		AgentID:         *agentID,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}()

	b := &bot{conn: conn, logger: logger, every: *every}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			b.params = w.WorldParams
			logger.Printf("WELCOME agent_id=%s world=%s %dx%d tick=%d phase=%s weather=%s",
				w.AgentID, w.WorldParams.WorldID, w.WorldParams.Width, w.WorldParams.Height, w.Tick, w.DayPhase, w.Weather)

		case protocol.TypeTick:
			var t protocol.TickMsg
			if err := json.Unmarshal(msg, &t); err != nil {
				continue
			}
			b.onTick(t)

		case protocol.TypeResult:
			var r protocol.ResultMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			b.onResult(r)
		}
	}
}

type bot struct {
	conn    *websocket.Conn
	logger  *log.Logger
	params  protocol.WorldParams
	every   uint64
	ticks   uint64
	pending string // request id awaiting its final outcome
	lastPos [2]int
	seen    bool
}

func (b *bot) onTick(t protocol.TickMsg) {
	for _, ev := range t.Events {
		if ev.Kind == "PHASE" || ev.Kind == "WEATHER" {
			b.logger.Printf("tick=%d %s %s", t.Tick, ev.Kind, ev.Message)
		}
	}
	b.ticks++
	if b.pending != "" || b.every == 0 || b.ticks%b.every != 0 {
		return
	}
	b.send(b.nextCommand())
}

// nextCommand wanders, senses now and then, and tries to farm the cell it
// stands next to.
func (b *bot) nextCommand() protocol.Command {
	switch n := rand.Intn(10); {
	case !b.seen || n == 0:
		return protocol.Command{Kind: protocol.CmdSense, Radius: 2}
	case n <= 2:
		return protocol.Command{Kind: protocol.CmdInteract, X: b.lastPos[0] + 1, Y: b.lastPos[1]}
	default:
		d := [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}[rand.Intn(4)]
		// Turn around at the world edge instead of bumping into it.
		if x, y := b.lastPos[0]+d[0], b.lastPos[1]+d[1]; x < 0 || y < 0 || x >= b.params.Width || y >= b.params.Height {
			d[0], d[1] = -d[0], -d[1]
		}
		return protocol.Command{Kind: protocol.CmdMove, DX: d[0], DY: d[1]}
	}
}

func (b *bot) send(cmd protocol.Command) {
	id := uuid.NewString()
	msg := protocol.CmdMsg{
		Type:            protocol.TypeCmd,
		ProtocolVersion: protocol.Version,
		RequestID:       id,
		Priority:        "NORMAL",
		TimeoutMs:       10_000,
		Cancellable:     true,
		Command:         cmd,
	}
	if err := b.conn.WriteJSON(msg); err != nil {
		b.logger.Printf("send CMD: %v", err)
		return
	}
	b.pending = id
}

func (b *bot) onResult(r protocol.ResultMsg) {
	if r.Outcome == "QUEUED" {
		return
	}
	b.logger.Printf("RESULT %s action=%s outcome=%s code=%s %s", r.Kind, r.ActionID, r.Outcome, r.Code, r.Message)
	if r.RequestID == b.pending {
		b.pending = ""
	}
	if pos, ok := positionOf(r.Data, r.Success); ok {
		b.lastPos = pos
		b.seen = true
	}
}

// positionOf pulls the agent position out of move and sense result payloads.
// A failed step's "to" is where the agent wanted to go, not where it is.
func positionOf(data any, success bool) ([2]int, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return [2]int{}, false
	}
	keys := []string{"position", "center", "from"}
	if success {
		keys = []string{"position", "center", "to"}
	}
	for _, key := range keys {
		p, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		x, okX := p["x"].(float64)
		y, okY := p["y"].(float64)
		if okX && okY {
			return [2]int{int(x), int(y)}, true
		}
	}
	return [2]int{}, false
}
