package stt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// deepgramCallback embeds the SDK's default handler and overrides only the
// callbacks that feed the event stream.
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	backend *DeepgramBackend
}

func (c *deepgramCallback) Message(msg *msginterfaces.MessageResponse) error {
	c.backend.handleMessage(msg)
	return nil
}

func (c *deepgramCallback) Error(errorResponse *msginterfaces.ErrorResponse) error {
	c.backend.log.Warn().Interface("error", errorResponse).Msg("Deepgram reported an error")
	observability.RecordWarning("deepgram")
	c.backend.stream.emit(Warning("Transcription service reported an error."))
	return nil
}

func (c *deepgramCallback) Close(closeResponse *msginterfaces.CloseResponse) error {
	c.backend.handleClose()
	return nil
}

// DeepgramBackend streams linear16 chunks to Deepgram's hosted live
// transcription and relays interim and final results.
type DeepgramBackend struct {
	opts   Options
	log    zerolog.Logger
	stream *eventStream

	client    *listenClient.WSCallback
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	connected atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
}

// NewDeepgramBackend creates an unopened Deepgram backend
func NewDeepgramBackend(opts Options) *DeepgramBackend {
	opts = opts.withDefaults(KindDeepgram)
	if opts.DeepgramModel == "" {
		opts.DeepgramModel = "nova-2"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramBackend{
		opts:   opts,
		log:    *opts.Logger,
		stream: newEventStream(64),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *DeepgramBackend) Kind() Kind { return KindDeepgram }

func (d *DeepgramBackend) Strategy() Strategy { return StrategyContinuous }

func (d *DeepgramBackend) Events() <-chan Event { return d.stream.events() }

func (d *DeepgramBackend) Err() error { return d.stream.terminal() }

// Open creates the streaming client and connects within the open timeout
func (d *DeepgramBackend) Open(ctx context.Context) error {
	if d.opts.Credential == "" {
		return fmt.Errorf("%w: Deepgram API key is not set", ErrBackendUnavailable)
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.DeepgramModel,
		Language:       d.opts.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.opts.SampleRate,
	}

	callback := &deepgramCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		backend:                d,
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.opts.Credential, nil, tOptions, callback)
	if err != nil {
		return fmt.Errorf("%w: failed to create Deepgram client: %v", ErrBackendUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.OpenTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- client.Connect() }()

	select {
	case ok := <-result:
		if !ok {
			return fmt.Errorf("%w: Deepgram connection failed", ErrBackendUnavailable)
		}
	case <-ctx.Done():
		d.cancel()
		go func() {
			if <-result {
				client.Finish()
			}
		}()
		return fmt.Errorf("%w: Deepgram connection timed out: %v", ErrBackendUnavailable, ctx.Err())
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	d.connected.Store(true)

	d.log.Info().Str("model", d.opts.DeepgramModel).Str("language", d.opts.Language).Msg("Deepgram streaming client started")
	return nil
}

func (d *DeepgramBackend) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	d.stream.emit(Transcript(alt.Transcript, msg.IsFinal))
}

func (d *DeepgramBackend) handleClose() {
	if d.closing.Load() || !d.connected.Load() {
		return
	}
	d.log.Warn().Msg("Deepgram closed the stream unexpectedly")
	d.stream.finish(fmt.Errorf("%w: Deepgram closed the stream", ErrBackendTerminated))
}

// Submit writes one chunk to the live stream
func (d *DeepgramBackend) Submit(p audio.Payload) error {
	chunk, ok := p.(audio.Chunk)
	if !ok {
		return unsupportedPayload(KindDeepgram, p)
	}
	if !d.connected.Load() || d.closing.Load() {
		return ErrTransportNotReady
	}

	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()

	if _, err := client.Write(chunk.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportNotReady, err)
	}
	observability.RecordAudioBytes(string(KindDeepgram), len(chunk.Bytes()))
	return nil
}

// Close finishes the stream and releases the client
func (d *DeepgramBackend) Close() error {
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		d.stream.finish(nil)

		d.mu.RLock()
		client := d.client
		d.mu.RUnlock()
		if client != nil {
			client.Finish()
		}
		d.cancel()

		d.log.Info().Msg("Deepgram streaming client stopped")
	})
	return nil
}
