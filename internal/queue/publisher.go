package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	bookingConfirmedQueue = "booking.confirmed"
	rewardRedeemedQueue   = "reward.redeemed"
)

// Publisher публикует доменные события в RabbitMQ. Публикация выполняется
// по принципу "best effort": ошибки возвращаются вызывающей стороне,
// которая вправе их игнорировать, не прерывая основной сценарий.
type Publisher struct {
	url string
}

// NewPublisher создаёт публикатор событий для брокера по указанному адресу.
func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

// PublishBookingConfirmed публикует событие об оформленной покупке мест.
func (p *Publisher) PublishBookingConfirmed(ctx context.Context, event BookingConfirmedEvent) error {
	return p.publish(ctx, bookingConfirmedQueue, event)
}

// PublishRewardRedeemed публикует событие об обмене баллов на награду.
func (p *Publisher) PublishRewardRedeemed(ctx context.Context, event RewardRedeemedEvent) error {
	return p.publish(ctx, rewardRedeemedQueue, event)
}

func (p *Publisher) publish(ctx context.Context, queueName string, event any) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	// Объявление очереди идемпотентно; durable переживает перезапуск брокера.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	return nil
}
