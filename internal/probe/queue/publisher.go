package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher публикует запросы на запуск проб в очередь.
// Подключение устанавливается лениво и восстанавливается после разрыва.
type Publisher struct {
	url    string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher создаёт издателя для очереди queueName.
func NewPublisher(url, queueName string, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:    url,
		queue:  queueName,
		logger: logger.With(slog.String("component", "probe_publisher")),
	}
}

// Publish отправляет запросы в очередь. При разрыве соединения
// выполняется одна повторная попытка с новым подключением.
func (p *Publisher) Publish(ctx context.Context, reqs []DispatchRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishLocked(ctx, reqs)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	p.logger.Warn("Ошибка публикации, переподключение",
		slog.String("queue", p.queue),
		slog.String("error", err.Error()),
	)
	p.resetLocked()
	return p.publishLocked(ctx, reqs)
}

func (p *Publisher) publishLocked(ctx context.Context, reqs []DispatchRequest) error {
	if err := p.connectLocked(); err != nil {
		return err
	}

	for _, r := range reqs {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("ошибка сериализации запроса: %w", err)
		}
		err = p.ch.PublishWithContext(ctx,
			"",      // exchange
			p.queue, // routing key
			false,   // mandatory
			false,   // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
			})
		if err != nil {
			return fmt.Errorf("ошибка публикации в %s: %w", p.queue, err)
		}
	}

	p.logger.Debug("Запросы на запуск проб опубликованы",
		slog.String("queue", p.queue),
		slog.Int("count", len(reqs)),
	)
	return nil
}

func (p *Publisher) connectLocked() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("ошибка открытия канала: %w", err)
	}
	if _, err := declareQueue(ch, p.queue); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close закрывает подключение.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// declareQueue объявляет durable-очередь.
func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return q, fmt.Errorf("ошибка объявления очереди %s: %w", name, err)
	}
	return q, nil
}
