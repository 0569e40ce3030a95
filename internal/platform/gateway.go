package platform

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16384

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// gatewayMessage is the envelope for everything the gateway pushes.
type gatewayMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Gateway maintains the websocket connection that delivers membership
// transitions, forwarding them onto Events. It reconnects with backoff
// until Stop is called.
type Gateway struct {
	url    string
	token  string
	events chan MembershipTransition
	done   chan struct{}
}

func NewGateway(url, token string) *Gateway {
	return &Gateway{
		url:    url,
		token:  token,
		events: make(chan MembershipTransition, 256),
		done:   make(chan struct{}),
	}
}

// Events is the stream of decoded membership transitions.
func (g *Gateway) Events() <-chan MembershipTransition {
	return g.events
}

// Run dials the gateway and pumps events until Stop. Blocks; run it on its
// own goroutine. The event stream closes when Run returns.
func (g *Gateway) Run() {
	defer close(g.events)

	backoff := reconnectMin
	for {
		select {
		case <-g.done:
			return
		default:
		}

		session := uuid.NewString()
		conn, err := g.dial()
		if err != nil {
			logrus.Warnf("Gateway dial failed, retrying in %v: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-g.done:
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		logrus.WithField("session", session).Info("Gateway connected")
		backoff = reconnectMin
		g.readPump(conn, session)
	}
}

// Stop terminates the gateway loop.
func (g *Gateway) Stop() {
	close(g.done)
}

func (g *Gateway) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.token)

	conn, _, err := websocket.DefaultDialer.Dial(g.url, header)
	return conn, err
}

func (g *Gateway) readPump(conn *websocket.Conn, session string) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	go func() {
		for {
			select {
			case <-pinger.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			case <-g.done:
				conn.Close()
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-g.done:
			default:
				logrus.WithField("session", session).Warnf("Gateway read error: %v", err)
			}
			return
		}

		var msg gatewayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logrus.Warnf("Gateway sent malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case "membership_transition":
			var ev MembershipTransition
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				logrus.Warnf("Malformed membership transition: %v", err)
				continue
			}
			if ev.EventID == "" {
				ev.EventID = uuid.NewString()
			}
			select {
			case g.events <- ev:
			case <-g.done:
				return
			}
		case "ping", "heartbeat_ack":
			// keepalive chatter, nothing to do
		default:
			logrus.Debugf("Ignoring gateway message type %q", msg.Type)
		}
	}
}
