package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ems-dispatch/internal/models"
)

// KafkaProducer publishes ride lifecycle events and driver locations for
// downstream consumers (analytics, the location mirror, audit). The two
// payload shapes go to separate topics: the location mirror subscribes
// only to the location topic and must never see a lifecycle event.
type KafkaProducer struct {
	events    *kafka.Writer
	locations *kafka.Writer
}

func NewKafkaProducer(brokers []string, eventTopic, locationTopic string) *KafkaProducer {
	return &KafkaProducer{
		events:    kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventTopic, Balancer: &kafka.LeastBytes{}}),
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

// RideEvent is the published shape for lifecycle changes.
type RideEvent struct {
	RideID   string            `json:"ride_id"`
	Number   string            `json:"number"`
	Status   models.RideStatus `json:"status"`
	DriverID string            `json:"driver_id,omitempty"`
	At       time.Time         `json:"at"`
}

func (k *KafkaProducer) PublishRideEvent(r *models.Ride) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(RideEvent{RideID: r.ID, Number: r.Number, Status: r.Status, DriverID: r.DriverID, At: r.UpdatedAt})
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(r.ID), Value: b})
}

func (k *KafkaProducer) PublishLocation(loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(loc)
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	return errors.Join(k.events.Close(), k.locations.Close())
}
