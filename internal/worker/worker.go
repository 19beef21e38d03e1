// Package worker provides the NATS worker that turns assessment outcomes
// into narration audio.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/core"
)

const handleMessageTimeout = 30 * time.Second

// ErrNoReloader indicates a reload request arrived without a configured
// manifest reloader.
var ErrNoReloader = errors.New("manifest reloading is not configured")

// AssessmentCompletedEvent announces a scored practice attempt that is ready
// for narration.
type AssessmentCompletedEvent struct {
	Header     events.EventHeader `json:"header"`
	SentenceID string             `json:"sentence_id"`
	Errors     []core.WordError   `json:"errors"`
}

// NarrationCreatedEvent announces finished narration audio available in the
// object store under AudioKey.
type NarrationCreatedEvent struct {
	Header       events.EventHeader `json:"header"`
	SentenceID   string             `json:"sentence_id"`
	AudioKey     string             `json:"audio_key"`
	FallbackUsed bool               `json:"fallback_used"`
}

// ManifestReloader re-reads the manifest and swaps the clip library. The
// worker triggers it from the reload control subject.
type ManifestReloader interface {
	Reload() error
}

// Config wires the worker's stream, consumer identity, and subjects. The
// reload subject is optional; leave it empty to disable remote reloads.
// MaxConcurrent bounds simultaneously processed assessments.
type Config struct {
	StreamName        string
	ConsumerName      string
	AssessmentSubject string
	CreatedSubject    string
	ReloadSubject     string
	MaxConcurrent     int
}

// NatsWorker consumes assessment events from a durable JetStream consumer
// and publishes narration-created events.
type NatsWorker struct {
	natsConnection *nats.Conn
	jetstream      nats.JetStreamContext
	cfg            Config
	store          core.ObjectStore
	narrator       core.Narrator
	reloader       ManifestReloader
	log            *logger.Logger
	slots          chan struct{}
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	jetstream nats.JetStreamContext,
	cfg Config,
	store core.ObjectStore,
	narrator core.Narrator,
	reloader ManifestReloader,
	log *logger.Logger,
) (*NatsWorker, error) {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		jetstream:      jetstream,
		cfg:            cfg,
		store:          store,
		narrator:       narrator,
		reloader:       reloader,
		log:            log,
		slots:          make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Run starts the worker and blocks until ctx is cancelled. Assessment
// messages arrive through a durable consumer so narration requests survive
// restarts; the reload control subject is plain NATS request-reply.
func (w *NatsWorker) Run(ctx context.Context) error {
	err := w.ensureStream()
	if err != nil {
		return err
	}

	sub, err := w.jetstream.Subscribe(
		w.cfg.AssessmentSubject,
		w.handleMessage,
		nats.Durable(w.cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckWait(2*handleMessageTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.AssessmentSubject, err)
	}

	var reloadSub *nats.Subscription

	if w.cfg.ReloadSubject != "" {
		reloadSub, err = w.natsConnection.Subscribe(w.cfg.ReloadSubject, w.handleReload)
		if err != nil {
			return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.ReloadSubject, err)
		}
	}

	w.log.Info("Narration worker listening on %s", w.cfg.AssessmentSubject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	if reloadSub != nil {
		drainErr = reloadSub.Drain()
		if drainErr != nil {
			return fmt.Errorf("failed to drain reload subscription: %w", drainErr)
		}
	}

	return nil
}

// ensureStream creates the feedback stream when it does not exist yet.
func (w *NatsWorker) ensureStream() error {
	_, err := w.jetstream.StreamInfo(w.cfg.StreamName)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", w.cfg.StreamName, err)
	}

	_, err = w.jetstream.AddStream(&nats.StreamConfig{
		Name:        w.cfg.StreamName,
		Description: "Pronunciation feedback events.",
		Subjects:    []string{w.cfg.AssessmentSubject, w.cfg.CreatedSubject},
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", w.cfg.StreamName, err)
	}

	return nil
}

// handleMessage hands each message to its own goroutine so slow syntheses do
// not serialize the queue, holding a slot to bound concurrent narrations.
func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	go func() {
		w.slots <- struct{}{}
		defer func() { <-w.slots }()

		w.process(msg)
	}()
}

func (w *NatsWorker) process(msg *nats.Msg) {
	// The message is acked regardless of outcome: a narration whose
	// fallback failed too would fail the same way on redelivery.
	defer func() {
		ackErr := msg.Ack()
		if ackErr != nil {
			w.log.Warn("Failed to ack message: %v", ackErr)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse assessment event: %v", err)

		return
	}

	audioKey, fallbackUsed, err := w.processNarration(ctx, event)
	if err != nil {
		w.log.Error("Failed to narrate outcome for workflow %s: %v", event.Header.WorkflowID, err)

		return
	}

	createdEvent := &NarrationCreatedEvent{
		Header:       event.Header,
		SentenceID:   event.SentenceID,
		AudioKey:     audioKey,
		FallbackUsed: fallbackUsed,
	}

	err = w.publishCreatedEvent(createdEvent)
	if err != nil {
		w.log.Error("Failed to publish narration created event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processNarration validates the outcome, narrates it, and uploads the audio
// under a fresh key.
func (w *NatsWorker) processNarration(
	ctx context.Context,
	event *AssessmentCompletedEvent,
) (string, bool, error) {
	outcome := core.Outcome{Errors: event.Errors}

	err := outcome.Validate()
	if err != nil {
		return "", false, fmt.Errorf("invalid assessment outcome: %w", err)
	}

	narration, err := w.narrator.Narrate(ctx, outcome)
	if err != nil {
		return "", false, fmt.Errorf("failed to narrate outcome: %w", err)
	}

	audioKey := uuid.NewString() + ".wav"

	err = w.store.Upload(ctx, audioKey, narration.Audio)
	if err != nil {
		return "", false, fmt.Errorf("failed to upload narration audio for key '%s': %w", audioKey, err)
	}

	return audioKey, narration.FallbackUsed, nil
}

func (w *NatsWorker) publishCreatedEvent(createdEvent *NarrationCreatedEvent) error {
	data, err := json.Marshal(createdEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal narration created event: %w", err)
	}

	err = w.natsConnection.Publish(w.cfg.CreatedSubject, data)
	if err != nil {
		return fmt.Errorf("failed to publish narration created event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseEvent(msg *nats.Msg) (*AssessmentCompletedEvent, error) {
	var event AssessmentCompletedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// handleReload serves the manifest reload control subject and reports the
// result to the requester when a reply inbox is present.
func (w *NatsWorker) handleReload(msg *nats.Msg) {
	w.log.Info("Manifest reload requested")

	err := ErrNoReloader
	if w.reloader != nil {
		err = w.reloader.Reload()
	}

	status := "reload ok"
	if err != nil {
		w.log.Error("Manifest reload failed: %v", err)
		status = fmt.Sprintf("reload failed: %v", err)
	}

	if msg.Reply == "" {
		return
	}

	respondErr := msg.Respond([]byte(status))
	if respondErr != nil {
		w.log.Warn("Failed to respond to reload request: %v", respondErr)
	}
}
