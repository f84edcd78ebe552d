package worker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"quillsync/internal/changefeed"
	"quillsync/internal/platform/rabbitmq"
	"quillsync/pkg/logger"
)

type EventApplier interface {
	Apply(ev changefeed.Event) error
}

// ChangeFeedWorker binds a private queue to the change exchange so every
// server instance sees every event.
type ChangeFeedWorker struct {
	conn     *amqp.Connection
	applier  EventApplier
	exchange string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChangeFeedWorker(conn *amqp.Connection, applier EventApplier, exchange string) *ChangeFeedWorker {
	return &ChangeFeedWorker{
		conn:     conn,
		applier:  applier,
		exchange: exchange,
	}
}

func (w *ChangeFeedWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if err := rabbitmq.DeclareExchange(ch, w.exchange); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", w.exchange, false, nil); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("bind worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := w.handle(d.Body); err != nil {
					logger.Sugar.Warnf("Change feed worker dropped event: %v", err)
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	logger.Sugar.Infof("Change feed worker consuming %s via %s", w.exchange, q.Name)
	return nil
}

func (w *ChangeFeedWorker) handle(body []byte) error {
	ev, err := changefeed.Decode(body)
	if err != nil {
		return err
	}
	return w.applier.Apply(ev)
}

func (w *ChangeFeedWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
