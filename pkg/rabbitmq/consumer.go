/**
 * @description
 * RabbitMQ consumer for listing status events. The service consumes its own
 * event stream (and events published by peers or an indexer) through a single
 * handler bound to the listing.status.* wildcard, feeding out-of-band
 * transaction outcomes into the reconciler.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: AMQP client.
 */

package rabbitmq

import (
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// listingStatusPattern matches every listing.status.<status> routing key.
const listingStatusPattern = "listing.status.*"

// Consumer drains listing status events from the broker.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer connects to RabbitMQ and opens a channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeListingStatus declares the listing events exchange, binds the given
// queue to every listing status routing key, and runs the handler for each
// delivery on a background goroutine. A handler returning true acks the
// message; false nacks it for redelivery.
func (c *Consumer) ConsumeListingStatus(queueName string, handler func([]byte) bool) error {
	if err := c.ch.ExchangeDeclare(ListingEventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, listingStatusPattern, ListingEventsExchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if handler(d.Body) {
				d.Ack(false)
				continue
			}
			log.Printf("level=warn component=rabbitmq_consumer routing_key=%s msg=\"handler failed; re-queuing\"", d.RoutingKey)
			d.Nack(false, true)
		}
	}()

	log.Printf("level=info component=rabbitmq_consumer queue=%s pattern=%s msg=\"consuming listing status events\"", q.Name, listingStatusPattern)
	return nil
}

// Close shuts the channel and connection down.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
