package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
)

var completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scanstore_probe_completions_total",
	Help: "Количество обработанных сообщений о завершении проб",
}, []string{"outcome"}) // outcome: ok, rejected, requeued

// Handler обрабатывает сообщение о завершении пробы.
type Handler func(ctx context.Context, c Completion) error

// acknowledger: подтверждение доставки (amqp.Delivery).
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer принимает сообщения о завершении проб из очереди результатов.
type Consumer struct {
	url       string
	queue     string
	handler   Handler
	permanent func(error) bool
	logger    *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewConsumer создаёт потребителя очереди queueName.
// permanent определяет ошибки обработчика, при которых сообщение
// отбрасывается; остальные ошибки возвращают сообщение в очередь.
// Некорректные сообщения отбрасываются всегда.
func NewConsumer(url, queueName string, handler Handler, permanent func(error) bool, logger *slog.Logger) *Consumer {
	if permanent == nil {
		permanent = func(error) bool { return false }
	}
	return &Consumer{
		url:            url,
		queue:          queueName,
		handler:        handler,
		permanent:      permanent,
		logger:         logger.With(slog.String("component", "probe_consumer")),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Run слушает очередь до отмены ctx, переподключаясь с экспоненциальной
// задержкой (1s → 30s) после ошибок и разрывов соединения.
func (c *Consumer) Run(ctx context.Context) {
	backoff := c.initialBackoff

	for {
		if ctx.Err() != nil {
			c.logger.Info("Потребитель остановлен", slog.String("queue", c.queue))
			return
		}

		err := c.listenOnce(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Потребитель остановлен", slog.String("queue", c.queue))
			return
		}

		if err != nil {
			c.logger.Warn("Ошибка потребителя, повтор",
				slog.String("queue", c.queue),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
		} else {
			c.logger.Info("Соединение закрыто, переподключение", slog.String("queue", c.queue))
			backoff = c.initialBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.maxBackoff)
	}
}

// listenOnce обрабатывает сообщения до разрыва соединения или отмены ctx.
func (c *Consumer) listenOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("ошибка открытия канала: %w", err)
	}
	defer ch.Close()

	q, err := declareQueue(ch, c.queue)
	if err != nil {
		return err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("ошибка настройки prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("ошибка подписки на %s: %w", c.queue, err)
	}

	c.logger.Info("Подключено к очереди", slog.String("queue", c.queue))

	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-connClose:
			if amqpErr != nil {
				return fmt.Errorf("соединение закрыто: %s", amqpErr.Error())
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.process(ctx, msg.Body, msg)
		}
	}
}

// process обрабатывает одно сообщение и подтверждает его доставку.
func (c *Consumer) process(ctx context.Context, body []byte, ack acknowledger) {
	completion, err := DecodeCompletion(body)
	if err == nil {
		err = c.handler(ctx, completion)
	}

	switch {
	case err == nil:
		completionsTotal.WithLabelValues("ok").Inc()
		if err := ack.Ack(false); err != nil {
			c.logger.Error("Ошибка подтверждения сообщения", slog.String("error", err.Error()))
		}
	case errors.Is(err, ErrMalformed) || c.permanent(err):
		completionsTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("Сообщение отброшено",
			slog.Int64("probe_result_id", completion.ProbeResultID),
			slog.String("error", err.Error()),
		)
		if err := ack.Nack(false, false); err != nil {
			c.logger.Error("Ошибка отклонения сообщения", slog.String("error", err.Error()))
		}
	default:
		completionsTotal.WithLabelValues("requeued").Inc()
		c.logger.Error("Ошибка обработки сообщения, возврат в очередь",
			slog.Int64("probe_result_id", completion.ProbeResultID),
			slog.String("error", err.Error()),
		)
		if err := ack.Nack(false, true); err != nil {
			c.logger.Error("Ошибка возврата сообщения", slog.String("error", err.Error()))
		}
	}
}
