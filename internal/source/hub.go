package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// ErrSourceClosed reports that the host disconnected its feed
var ErrSourceClosed = errors.New("audio source closed")

var upgrader = websocket.Upgrader{
	// Feeds come from the local host page
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  16384,
	WriteBufferSize: 1024,
}

// FeedMessage is the text control message a host sends on its feed
type FeedMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// Hub accepts audio feeds pushed by the host over WebSocket and hands them
// out as Streams. Each feed has at most one consumer.
type Hub struct {
	defaultRate int
	frameBuffer int
	logger      zerolog.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

// NewHub creates a hub. defaultRate applies to feeds that never send a
// format message.
func NewHub(defaultRate int) *Hub {
	if defaultRate <= 0 {
		defaultRate = 48000
	}
	return &Hub{
		defaultRate: defaultRate,
		frameBuffer: 64,
		logger:      observability.Component("source"),
		feeds:       make(map[string]*feed),
	}
}

type feed struct {
	ref string

	mu   sync.Mutex
	rate int
	sub  *subscription
}

// HandleFeed serves GET /sources/{ref}
func (h *Hub) HandleFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		if ref == "" {
			http.Error(w, "missing source reference", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Str("source", ref).Msg("Failed to upgrade feed connection")
			return
		}
		defer conn.Close()

		f := &feed{ref: ref, rate: h.defaultRate}
		if !h.register(f) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "source already connected"),
				time.Now().Add(time.Second))
			return
		}
		h.logger.Info().Str("source", ref).Msg("Audio feed connected")

		err = h.readFeed(conn, f)
		h.unregister(f)
		f.end(err)
		h.logger.Info().Str("source", ref).Err(err).Msg("Audio feed disconnected")
	}
}

// readFeed pumps one connection until it closes. The returned error is
// ErrSourceClosed for a clean close.
func (h *Hub) readFeed(conn *websocket.Conn, f *feed) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("read feed: %w", err)
			}
			return ErrSourceClosed
		}

		switch msgType {
		case websocket.TextMessage:
			var msg FeedMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.logger.Warn().Err(err).Str("source", f.ref).Msg("Ignoring malformed feed message")
				continue
			}
			if msg.Type == "format" && msg.SampleRate > 0 {
				f.mu.Lock()
				f.rate = msg.SampleRate
				f.mu.Unlock()
			}

		case websocket.BinaryMessage:
			if len(data)%4 != 0 {
				h.logger.Debug().Int("bytes", len(data)).Msg("Ignoring truncated feed frame")
				continue
			}
			f.deliver(audio.BytesToFloat32(data))
		}
	}
}

func (h *Hub) register(f *feed) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.feeds[f.ref]; exists {
		return false
	}
	h.feeds[f.ref] = f
	return true
}

func (h *Hub) unregister(f *feed) {
	h.mu.Lock()
	if h.feeds[f.ref] == f {
		delete(h.feeds, f.ref)
	}
	h.mu.Unlock()
}

// Sources lists the connected feed references
func (h *Hub) Sources() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	refs := make([]string, 0, len(h.feeds))
	for ref := range h.feeds {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Acquire attaches to the feed named ref
func (h *Hub) Acquire(ctx context.Context, ref string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	f, ok := h.feeds[ref]
	if ref == "" {
		ok = false
		if len(h.feeds) == 1 {
			for _, only := range h.feeds {
				f, ok = only, true
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		if ref == "" {
			return nil, ErrNoActiveSource
		}
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSource, ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return nil, fmt.Errorf("%w: %s is already in use", ErrNoActiveSource, f.ref)
	}
	sub := &subscription{
		feed:   f,
		frames: make(chan []float32, h.frameBuffer),
	}
	f.sub = sub
	return sub, nil
}

// deliver hands samples to the consumer without blocking the feed
func (f *feed) deliver(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == nil {
		return
	}
	select {
	case f.sub.frames <- samples:
	default:
		observability.RecordDropped("frame", "consumer_behind")
	}
}

// end closes the consumer's stream with err
func (f *feed) end(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		f.sub.closeLocked(err)
		f.sub = nil
	}
}

type subscription struct {
	feed   *feed
	frames chan []float32

	// guarded by feed.mu
	closed bool
	err    error
}

func (s *subscription) SampleRate() int {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.feed.rate
}

func (s *subscription) Frames() <-chan []float32 { return s.frames }

func (s *subscription) Err() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.err
}

// Release detaches from the feed. The feed stays connected for the next
// Acquire.
func (s *subscription) Release() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if s.feed.sub == s {
		s.feed.sub = nil
	}
	s.closeLocked(nil)
}

func (s *subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
}
