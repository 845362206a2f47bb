// Package streamer sends pump events to websocket clients
package streamer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/livedetect/pkg/event"
	"github.com/cyclopcam/livedetect/pkg/log"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/pump"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type webSocketMsg int

const (
	webSocketMsgPause  webSocketMsg = iota // pause stream (eg browser tab deactivated)
	webSocketMsgResume                     // resume stream (eg browser tab reactivated)
)

// Sent by client over websocket
// SYNC-WEBSOCKET-JSON-MSG
type webSocketJSON struct {
	Command string `json:"command"`
}

// Message is what we send to clients, as a TEXT frame
// SYNC-DETECTION-WEBSOCKET-MESSAGE
type Message struct {
	Type      string              `json:"type"` // "detection", "warning", "error", "endOfStream", "finished"
	Detection *nn.FrameDetections `json:"detection,omitempty"`
	Seq       uint64              `json:"seq,omitempty"`
	Message   string              `json:"message,omitempty"`
	Processed uint64              `json:"processed,omitempty"`
}

// Number of messages that we will buffer per client, before dropping messages to that client
const WebSocketSendBufferSize = 50

// Hub listens to pump events, and fans them out to every connected client.
// A slow client only loses its own messages, and never holds back the pump.
type Hub struct {
	log     *log.PrefixLogger
	lock    sync.Mutex
	clients map[string]*client
	last    *Message // Most recent detection, sent to new clients
}

func NewHub(logger logs.Log) *Hub {
	return &Hub{
		log:     log.NewPrefixLogger(logger, "Streamer:"),
		clients: map[string]*client{},
	}
}

// OnEvent implements event.Listener
func (h *Hub) OnEvent(sender *event.Sender, ev any) {
	msg := MessageFromEvent(ev)
	if msg == nil {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if msg.Type == "detection" {
		h.last = msg
	}
	for _, c := range h.clients {
		c.send(msg)
	}
}

// MessageFromEvent converts a pump event to a websocket message, or returns nil if clients don't care about it
func MessageFromEvent(ev any) *Message {
	switch e := ev.(type) {
	case pump.NewDetections:
		return &Message{Type: "detection", Detection: e.Result.Clone()}
	case pump.Warning:
		m := &Message{Type: "warning", Seq: e.Seq, Message: e.Message}
		if e.Err != nil {
			m.Message += ": " + e.Err.Error()
		}
		return m
	case pump.Error:
		return &Message{Type: "error", Message: e.Error()}
	case pump.EndOfStream:
		return &Message{Type: "endOfStream"}
	case pump.Finished:
		return &Message{Type: "finished", Processed: e.NumProcessedFrames}
	}
	return nil
}

func (h *Hub) NumClients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Run serves one websocket connection until it closes
func (h *Hub) Run(conn *websocket.Conn) {
	c := &client{
		id:            uuid.NewString(),
		sendQueue:     make(chan *Message, WebSocketSendBufferSize),
		fromWebSocket: make(chan webSocketMsg, 1),
	}
	c.log = log.NewPrefixLogger(h.log, "Client "+c.id[:8])

	h.lock.Lock()
	h.clients[c.id] = c
	if h.last != nil {
		c.send(h.last)
	}
	h.lock.Unlock()
	c.log.Infof("Connected")

	writerDone := make(chan bool)
	go c.webSocketReader(conn)
	go func() {
		c.webSocketWriter(conn)
		close(writerDone)
	}()

	for msg := range c.fromWebSocket {
		switch msg {
		case webSocketMsgPause:
			c.paused.Store(true)
		case webSocketMsgResume:
			c.paused.Store(false)
		}
	}

	h.lock.Lock()
	delete(h.clients, c.id)
	c.closed.Store(true)
	close(c.sendQueue)
	h.lock.Unlock()
	<-writerDone
	conn.Close()
	c.log.Infof("Disconnected. Sent %v, dropped %v", c.nSent.Load(), c.nDropped.Load())
}

type client struct {
	id            string
	log           *log.PrefixLogger
	closed        atomic.Bool
	paused        atomic.Bool
	fromWebSocket chan webSocketMsg
	sendQueue     chan *Message
	lastDropMsg   time.Time
	nSent         atomic.Int64
	nDropped      atomic.Int64
}

// Caller must hold the hub lock, which keeps send from racing with close(sendQueue)
func (c *client) send(msg *Message) {
	if c.closed.Load() || c.paused.Load() {
		return
	}
	select {
	case c.sendQueue <- msg:
	default:
		c.nDropped.Add(1)
		if now := time.Now(); now.Sub(c.lastDropMsg) > 5*time.Second {
			c.log.Infof("Dropped %v/%v messages", c.nDropped.Load(), c.nDropped.Load()+c.nSent.Load())
			c.lastDropMsg = now
		}
	}
}

// Read from the websocket and post to our own channel
func (c *client) webSocketReader(conn *websocket.Conn) {
	defer close(c.fromWebSocket)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg := webSocketJSON{}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Infof("Failed to decode JSON: %v", err)
			continue
		}
		// SYNC-WEBSOCKET-COMMANDS
		switch msg.Command {
		case "pause":
			c.fromWebSocket <- webSocketMsgPause
		case "resume":
			c.fromWebSocket <- webSocketMsgResume
		default:
			c.log.Infof("Unknown websocket message from client: '%v'", msg.Command)
		}
	}
}

// Writing happens on its own goroutine, so that a slow client can't block the hub
func (c *client) webSocketWriter(conn *websocket.Conn) {
	for msg := range c.sendQueue {
		if c.paused.Load() {
			continue
		}
		j, err := json.Marshal(msg)
		if err != nil {
			c.log.Errorf("Failed to marshal websocket message: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, j); err != nil {
			c.log.Infof("Error writing to websocket: %v", err)
			// Unblock the reader, so that Run can finish
			conn.Close()
			for range c.sendQueue {
			}
			return
		}
		c.nSent.Add(1)
	}
}
