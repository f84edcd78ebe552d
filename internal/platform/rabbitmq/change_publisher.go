package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"quillsync/internal/changefeed"
)

type ChangePublisher struct {
	conn     *amqp.Connection
	exchange string
}

var _ changefeed.Publisher = (*ChangePublisher)(nil)

func NewChangePublisher(conn *amqp.Connection, exchange string) *ChangePublisher {
	return &ChangePublisher{
		conn:     conn,
		exchange: exchange,
	}
}

func (p *ChangePublisher) Publish(ctx context.Context, ev changefeed.Event) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := DeclareExchange(ch, p.exchange); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		p.exchange,
		ev.Table,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Type:        string(ev.Type),
			Body:        payload,
		},
	); err != nil {
		return fmt.Errorf("publish change event failed: %w", err)
	}
	return nil
}
