// Package device bridges the companion device over a WebSocket. The
// phone (or any client speaking the same JSON protocol) does the
// microphone, speech recognition, local speech synthesis, audio
// playback and on-device wake-word spotting; the server drives it with
// commands and receives recognizer results back.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/albertojacini/vemorize/internal/events"
)

// Message types sent to the device.
const (
	TypeStartListening = "start_listening"
	TypeStopListening  = "stop_listening"
	TypeStartWakeWord  = "start_wake_word"
	TypeStopWakeWord   = "stop_wake_word"
	TypeSpeak          = "speak"
	TypePlayAudio      = "play_audio"
	TypeStopSpeaking   = "stop_speaking"
)

// Message types received from the device.
const (
	TypeSpeech   = "speech"
	TypeWakeWord = "wake_word"
	TypeDone     = "done"
	TypeError    = "error"
)

const writeTimeout = 10 * time.Second

var (
	// ErrNotConnected is returned when no device is attached.
	ErrNotConnected = errors.New("no device connected")
	// ErrDisconnected fails requests pending when the device goes away.
	ErrDisconnected = errors.New("device disconnected")
)

// Message is one frame of the device protocol.
type Message struct {
	Type     string  `json:"type"`
	ID       string  `json:"id,omitempty"`
	Text     string  `json:"text,omitempty"`
	Final    bool    `json:"final,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Audio    []byte  `json:"audio,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Listener receives recognizer results from the device.
type Listener interface {
	OnSpeech(text string, final bool)
	OnWakeWord()
}

// Bridge holds the connection to at most one device. A new connection
// replaces the previous one.
type Bridge struct {
	upgrader websocket.Upgrader
	bus      *events.Bus
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	msgID atomic.Int64

	// Reply channels keyed by request ID
	pending   map[string]chan Message
	pendingMu sync.Mutex

	listenerMu sync.RWMutex
	listener   Listener

	speaking atomic.Bool
}

// NewBridge creates a bridge with no device attached.
func NewBridge(bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		bus:      bus,
		logger:   logger,
		pending:  make(map[string]chan Message),
	}
}

// SetListener sets where speech and wake-word results go.
func (b *Bridge) SetListener(l Listener) {
	b.listenerMu.Lock()
	b.listener = l
	b.listenerMu.Unlock()
}

// Connected reports whether a device is attached.
func (b *Bridge) Connected() bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn != nil
}

// ServeHTTP upgrades the request and serves the device until it
// disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("device upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	b.connMu.Lock()
	if old := b.conn; old != nil {
		b.logger.Info("replacing connected device", "remote", old.RemoteAddr().String())
		old.Close()
	}
	b.conn = conn
	b.connMu.Unlock()

	remote := r.RemoteAddr
	b.logger.Info("device connected", "remote", remote)
	b.bus.Emit(events.SourceDevice, events.KindConnected, map[string]any{"remote": remote})

	b.readLoop(conn)

	b.connMu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.connMu.Unlock()
	conn.Close()
	b.failPending()
	b.speaking.Store(false)

	b.logger.Info("device disconnected", "remote", remote)
	b.bus.Emit(events.SourceDevice, events.KindDisconnected, map[string]any{"remote": remote})
}

// Close drops the current device, if any.
func (b *Bridge) Close() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return nil
	}
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	err := b.conn.Close()
	b.conn = nil
	return err
}

// readLoop dispatches frames from conn until it fails.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("device closed connection")
			} else {
				b.logger.Debug("device read ended", "error", err)
			}
			return
		}

		switch msg.Type {
		case TypeSpeech:
			if l := b.currentListener(); l != nil {
				l.OnSpeech(msg.Text, msg.Final)
			}
		case TypeWakeWord:
			if l := b.currentListener(); l != nil {
				l.OnWakeWord()
			}
		case TypeDone, TypeError:
			b.pendingMu.Lock()
			if ch, ok := b.pending[msg.ID]; ok {
				ch <- msg
				delete(b.pending, msg.ID)
			}
			b.pendingMu.Unlock()
			if msg.Type == TypeError && msg.ID == "" {
				b.logger.Warn("device reported error", "error", msg.Error)
			}
		default:
			b.logger.Debug("unhandled device message type", "type", msg.Type)
		}
	}
}

func (b *Bridge) currentListener() Listener {
	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	return b.listener
}

func (b *Bridge) failPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		ch <- Message{Type: TypeError, ID: id, Error: ErrDisconnected.Error()}
		delete(b.pending, id)
	}
}

// send writes one frame to the device.
func (b *Bridge) send(msg Message) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return ErrNotConnected
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// request sends msg with a fresh ID and waits for the device to report
// it done.
func (b *Bridge) request(ctx context.Context, msg Message) error {
	msg.ID = strconv.FormatInt(b.msgID.Add(1), 10)
	respCh := make(chan Message, 1)
	b.pendingMu.Lock()
	b.pending[msg.ID] = respCh
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, msg.ID)
		b.pendingMu.Unlock()
	}()

	if err := b.send(msg); err != nil {
		return err
	}

	select {
	case resp := <-respCh:
		if resp.Type == TypeError {
			if resp.Error == ErrDisconnected.Error() {
				return ErrDisconnected
			}
			return fmt.Errorf("device %s failed: %s", msg.Type, resp.Error)
		}
		return nil
	case <-ctx.Done():
		_ = b.send(Message{Type: TypeStopSpeaking})
		return ctx.Err()
	}
}

// StartListening starts speech recognition on the device.
func (b *Bridge) StartListening(language string) error {
	return b.send(Message{Type: TypeStartListening, Language: language})
}

// StopListening stops speech recognition on the device.
func (b *Bridge) StopListening() error {
	err := b.send(Message{Type: TypeStopListening})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
