package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

const socketWriteTimeout = 2 * time.Second

// configMessage is the handshake sent right after the socket opens
type configMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
}

// inboundMessage is one message from the transcription server. Only
// type "transcript" is acted on.
type inboundMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// SocketBackend streams raw PCM16 chunks over a persistent WebSocket and
// reads one transcript event per text message.
type SocketBackend struct {
	opts   Options
	log    zerolog.Logger
	dialer *websocket.Dialer
	stream *eventStream

	conn     *websocket.Conn
	writeMu  sync.Mutex
	opened   atomic.Bool
	closing  atomic.Bool
	readDone chan struct{}
	closeMu  sync.Once
}

// NewSocketBackend creates an unopened socket backend
func NewSocketBackend(opts Options) *SocketBackend {
	opts = opts.withDefaults(KindSocket)
	return &SocketBackend{
		opts: opts,
		log:  *opts.Logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.OpenTimeout,
		},
		stream:   newEventStream(64),
		readDone: make(chan struct{}),
	}
}

func (s *SocketBackend) Kind() Kind { return KindSocket }

func (s *SocketBackend) Strategy() Strategy { return StrategyContinuous }

func (s *SocketBackend) Events() <-chan Event { return s.stream.events() }

// Err returns ErrBackendTerminated after an unsolicited close and nil otherwise
func (s *SocketBackend) Err() error { return s.stream.terminal() }

// Open dials the endpoint and sends the config handshake. The whole open is
// bounded by the configured open timeout.
func (s *SocketBackend) Open(ctx context.Context) error {
	if s.opts.Endpoint == "" {
		return fmt.Errorf("%w: no socket endpoint configured", ErrBackendUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OpenTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.opts.Endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: %v (status %d)", ErrBackendUnavailable, s.opts.Endpoint, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrBackendUnavailable, s.opts.Endpoint, err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(configMessage{Type: "config", SampleRate: s.opts.SampleRate}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: handshake: %v", ErrBackendUnavailable, err)
	}
	conn.SetWriteDeadline(time.Time{})

	s.conn = conn
	s.opened.Store(true)
	go s.readLoop()

	s.log.Info().Str("endpoint", s.opts.Endpoint).Int("sample_rate", s.opts.SampleRate).Msg("Socket backend connected")
	return nil
}

// Submit sends one chunk as a binary message. Chunks that cannot be written
// are dropped and reported as ErrTransportNotReady.
func (s *SocketBackend) Submit(p audio.Payload) error {
	chunk, ok := p.(audio.Chunk)
	if !ok {
		return unsupportedPayload(KindSocket, p)
	}
	if !s.opened.Load() || s.closing.Load() {
		return ErrTransportNotReady
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportNotReady, err)
	}
	observability.RecordAudioBytes(string(KindSocket), len(chunk.Bytes()))
	return nil
}

func (s *SocketBackend) readLoop() {
	defer close(s.readDone)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				s.stream.finish(nil)
				return
			}
			s.log.Warn().Err(err).Msg("Socket backend connection closed unexpectedly")
			s.stream.finish(fmt.Errorf("%w: %v", ErrBackendTerminated, err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Int("bytes", len(data)).Msg("Ignoring malformed message from socket backend")
			continue
		}
		if msg.Type != "transcript" || msg.Text == "" {
			continue
		}

		if !s.stream.emit(Transcript(msg.Text, msg.IsFinal)) {
			return
		}
	}
}

// Close sends a close frame, tears down the connection and ends the event
// stream. Safe to call more than once and before Open.
func (s *SocketBackend) Close() error {
	s.closeMu.Do(func() {
		s.closing.Store(true)
		s.stream.finish(nil)

		if !s.opened.Load() {
			return
		}

		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			s.log.Debug().Err(err).Msg("Close frame not sent")
		}
		s.writeMu.Unlock()
		s.conn.Close()
		<-s.readDone

		s.log.Info().Msg("Socket backend closed")
	})
	return nil
}
