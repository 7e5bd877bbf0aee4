// Package eventbus publishes pipeline events to NATS JetStream.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avatarforge/api/internal/models"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName = "AVATARFORGE"

	SubjectAvatarGenerated = "avatarforge.avatars.generated"
	SubjectImageSent       = "avatarforge.images.sent"
)

// Event is the envelope of every published message
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	RunID      uuid.UUID       `json:"run_id"`
	SubjectID  string          `json:"subject_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// AvatarGeneratedData is the payload of SubjectAvatarGenerated
type AvatarGeneratedData struct {
	SelfiePath   string            `json:"selfie_path,omitempty"`
	Avatars      map[string]string `json:"avatars"` // style -> durable URL
	FailedStyles []string          `json:"failed_styles"`
}

// Bus is a JetStream publisher
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	now    func() time.Time
}

// Connect dials NATS and opens a JetStream context
func Connect(natsURL string, logger *zap.Logger) (*Bus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("avatarforge-api"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &Bus{nc: nc, js: js, logger: logger, now: time.Now}, nil
}

// EnsureStream creates the event stream, or updates it when the config drifted
func (b *Bus) EnsureStream() error {
	cfg := &nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"avatarforge.>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}
	_, err := b.js.StreamInfo(StreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = b.js.AddStream(cfg)
		return err
	}
	if err != nil {
		return err
	}
	_, err = b.js.UpdateStream(cfg)
	return err
}

// Connected reports whether the connection is up
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Ping round-trips to the server
func (b *Bus) Ping(ctx context.Context) error {
	if !b.Connected() {
		return nats.ErrConnectionClosed
	}
	return b.nc.FlushWithContext(ctx)
}

// Close drains and closes the connection
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// AvatarGenerated publishes a finished avatar run
func (b *Bus) AvatarGenerated(ctx context.Context, outcome *models.GenerationOutcome) error {
	event, err := avatarEvent(outcome, b.now())
	if err != nil {
		return err
	}
	return b.publish(ctx, SubjectAvatarGenerated, event)
}

// ImageSent publishes a finished send-image run
func (b *Bus) ImageSent(ctx context.Context, recipientID string, result *models.SendImageResult) error {
	event, err := newEvent(SubjectImageSent, result.RunID, recipientID, b.now(), result)
	if err != nil {
		return err
	}
	return b.publish(ctx, SubjectImageSent, event)
}

func (b *Bus) publish(ctx context.Context, subject string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	// Dedupe on run id within the stream's duplicate window.
	msg.Header.Set(nats.MsgIdHdr, event.ID)

	ack, err := b.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("run_id", event.RunID.String()),
		zap.Uint64("seq", ack.Sequence),
	)
	return nil
}

func avatarEvent(outcome *models.GenerationOutcome, at time.Time) (Event, error) {
	data := AvatarGeneratedData{
		Avatars:      make(map[string]string, outcome.SucceededCount),
		FailedStyles: outcome.FailedStyles,
	}
	if outcome.SourceAsset != nil {
		data.SelfiePath = outcome.SourceAsset.Path
	}
	for _, v := range outcome.Variants {
		if v.Status == models.VariantSucceeded && v.Asset != nil {
			data.Avatars[v.Style] = v.Asset.URL
		}
	}
	return newEvent(SubjectAvatarGenerated, outcome.RunID, outcome.SubjectID, at, data)
}

func newEvent(subject string, runID uuid.UUID, subjectID string, at time.Time, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Event{
		ID:         subject + ":" + runID.String(),
		Type:       subject,
		RunID:      runID,
		SubjectID:  subjectID,
		OccurredAt: at.UTC(),
		Data:       raw,
	}, nil
}
