// Package events publishes one message per committed trip transition for
// audit and earnings aggregation.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
)

// TripEvent describes a committed transition
type TripEvent struct {
	TripID         string      `json:"trip_id"`
	Event          trip.Event  `json:"event"`
	Status         trip.Status `json:"status"`
	ActorID        string      `json:"actor_id"`
	FareTotal      float64     `json:"fare_total,omitempty"`
	DriverEarnings float64     `json:"driver_earnings,omitempty"`
	At             time.Time   `json:"at"`
}

// NewTripEvent builds the event for t after ev committed
func NewTripEvent(t *trip.Trip, ev trip.Event, actorID string, at time.Time) TripEvent {
	return TripEvent{
		TripID:         t.ID,
		Event:          ev,
		Status:         t.Status,
		ActorID:        actorID,
		FareTotal:      t.FareTotal,
		DriverEarnings: t.DriverEarnings,
		At:             at,
	}
}

// Publisher hands events to a sink
type Publisher interface {
	Publish(ctx context.Context, e TripEvent) error
	Close() error
}

// KafkaPublisher writes events keyed by trip id so each trip's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}
}

// Publish writes one message
func (k *KafkaPublisher) Publish(ctx context.Context, e TripEvent) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode trip event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TripID),
		Value: b,
		Time:  e.At,
	})
}

// Close flushes and closes the writer
func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Recorder is satisfied by the APM wrapper
type Recorder interface {
	RecordCustomEvent(eventType string, params map[string]interface{})
}

// RecorderPublisher forwards events to an APM as TripTransition custom events
type RecorderPublisher struct {
	recorder Recorder
}

// NewRecorderPublisher creates an APM-backed publisher
func NewRecorderPublisher(r Recorder) *RecorderPublisher {
	return &RecorderPublisher{recorder: r}
}

// Publish records the event
func (p *RecorderPublisher) Publish(ctx context.Context, e TripEvent) error {
	p.recorder.RecordCustomEvent("TripTransition", map[string]interface{}{
		"trip_id":  e.TripID,
		"event":    string(e.Event),
		"status":   string(e.Status),
		"actor_id": e.ActorID,
	})
	return nil
}

// Close is a no-op
func (p *RecorderPublisher) Close() error { return nil }

// Multi fans an event out to every publisher
type Multi []Publisher

// Publish calls every publisher and joins their errors
func (m Multi) Publish(ctx context.Context, e TripEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, TripEvent) error { return nil }
func (Nop) Close() error                             { return nil }
