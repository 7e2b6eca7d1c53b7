package broker

import (
	"fmt"
	"log"

	"github.com/streadway/amqp"

	"github.com/zoff-tech/go-saga/pkg/config"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

func newConnection(settings *config.BrokerSettings) (*amqp.Connection, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Log connection close notifications; recoverConnection handles the redial
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Printf("RabbitMQ connection closed: %v", err)
		}
	}()

	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := newConnection(r.settings)
	if err != nil {
		return err
	}
	r.connection = connection

	// Rebuild the channel pool against the new connection
	close(r.channelPool)
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
		}
	}

	log.Println("RabbitMQ connection and channel pool initialized")
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				log.Println("Attempting to reconnect to RabbitMQ...")
				if err := r.connectAndInitialize(); err != nil {
					log.Printf("Failed to reconnect to RabbitMQ: %v", err)
				} else {
					log.Println("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				log.Printf("Discarding closed channel: %v", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			channel, err := r.connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		log.Printf("Discarding closed channel: %v", err)
		return
	default:
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
