/*Package events provides reliable event delivery through a transactional outbox.

Events are raised inside the database transaction that performs the
corresponding change, so an event exists if and only if the change was
committed. A background deliverer drains the outbox, publishes each event to
Kafka (topic "event.<type>", partitioned by key) and dispatches it to the
in-process handlers registered for its type. Failed deliveries are retried a
limited number of times, with a short delay between attempts.

When no Kafka brokers are configured, events are still dispatched to the
in-process handlers; this is the development and test mode.
*/
package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/grocify-tech/grocify/core/csql"
	"github.com/grocify-tech/grocify/core/logger"
)

// Event is a domain event: something happened to a resource.
type Event struct {
	// Type names what happened, e.g. "user.deleted"
	Type string
	// Key selects the Kafka partition; events with equal keys keep their order
	Key string
	// Payload is an arbitrary JSON body
	Payload []byte
}

// Handler processes a delivered event. Returning an error requeues the event.
type Handler func(ctx context.Context, ev Event) error

const deliveryAttempts = 4

// Broker raises and delivers events.
type Broker struct {
	db     *csql.DB
	writer *kafka.Writer

	mu       sync.Mutex
	handlers map[string][]Handler
	started  bool

	stop chan struct{}
	done chan struct{}
}

// NewBroker creates a broker and its outbox table. kafkaBrokers may be empty,
// in which case events are only dispatched in-process.
func NewBroker(db *csql.DB, kafkaBrokers []string) (*Broker, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."_event_outbox_"
(serial SERIAL,
type VARCHAR NOT NULL,
key VARCHAR NOT NULL DEFAULT '',
payload JSON NOT NULL DEFAULT '{}'::jsonb,
context JSON NOT NULL DEFAULT '{}'::jsonb,
created_at TIMESTAMP NOT NULL DEFAULT now(),
not_before TIMESTAMP NOT NULL DEFAULT now(),
attempts_left INTEGER NOT NULL,
PRIMARY KEY(serial)
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create event outbox: %w", err)
	}

	b := &Broker{
		db:       db,
		handlers: map[string][]Handler{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if len(kafkaBrokers) > 0 {
		b.writer = &kafka.Writer{
			Addr:     kafka.TCP(kafkaBrokers...),
			Balancer: &kafka.Hash{},
		}
	}
	return b, nil
}

// HandleEvent registers an in-process handler for the given event type.
func (b *Broker) HandleEvent(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Raise stores an event in the outbox.
func (b *Broker) Raise(ctx context.Context, ev Event) error {
	return b.raise(ctx, b.db.DB, ev)
}

// RaiseTx stores an event in the outbox within a transaction, so the event
// exists exactly when the surrounding change was committed.
func (b *Broker) RaiseTx(ctx context.Context, tx *sql.Tx, ev Event) error {
	return b.raise(ctx, tx, ev)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (b *Broker) raise(ctx context.Context, r execer, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := r.ExecContext(ctx, `INSERT INTO `+b.db.Schema+`."_event_outbox_"
(type, key, payload, context, attempts_left) VALUES ($1, $2, $3, $4, $5);`,
		ev.Type, ev.Key, string(payload), string(logger.SerializeLoggerContext(ctx)), deliveryAttempts)
	return err
}

// DeliverOne takes the next deliverable event from the outbox, publishes and
// dispatches it, and removes it on success. Returns false when the outbox
// holds no deliverable event.
func (b *Broker) DeliverOne(ctx context.Context) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	var (
		serial      int
		ev          Event
		contextData []byte
	)
	err = tx.QueryRowContext(ctx, `UPDATE `+b.db.Schema+`."_event_outbox_"
SET attempts_left = attempts_left - 1
WHERE serial = (
SELECT serial FROM `+b.db.Schema+`."_event_outbox_"
 WHERE attempts_left > 0 AND not_before <= now()
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, type, key, payload, context;`).Scan(&serial, &ev.Type, &ev.Key, &ev.Payload, &contextData)
	if err == csql.ErrNoRows {
		tx.Rollback()
		return false, nil
	}
	if err != nil {
		tx.Rollback()
		return false, err
	}

	evCtx := logger.ContextWithLoggerFromData(ctx, contextData)
	if err := b.dispatch(evCtx, ev); err != nil {
		logger.FromContext(evCtx).WithError(err).Errorln("event delivery failed:", ev.Type)
		// keep the decremented attempts_left and push the next attempt out,
		// otherwise the drain loop would burn all attempts within one tick
		if _, uerr := tx.ExecContext(ctx, `UPDATE `+b.db.Schema+`."_event_outbox_"
SET not_before = now() + interval '10 seconds' WHERE serial = $1;`, serial); uerr != nil {
			tx.Rollback()
			return false, uerr
		}
		tx.Commit()
		return true, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+b.db.Schema+`."_event_outbox_" WHERE serial = $1;`, serial); err != nil {
		tx.Rollback()
		return false, err
	}
	return true, tx.Commit()
}

func (b *Broker) dispatch(ctx context.Context, ev Event) error {
	if b.writer != nil {
		err := b.writer.WriteMessages(ctx, kafka.Message{
			Topic: "event." + ev.Type,
			Key:   []byte(ev.Key),
			Value: ev.Payload,
		})
		if err != nil {
			return fmt.Errorf("kafka publish: %w", err)
		}
	}
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Run drains the outbox in the background until Close is called. Calling
// Run more than once is a no-op.
func (b *Broker) Run() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				for {
					delivered, err := b.DeliverOne(context.Background())
					if err != nil {
						logger.Default().WithError(err).Errorln("event delivery error")
						break
					}
					if !delivered {
						break
					}
				}
			}
		}
	}()
}

// Close stops the background deliverer and the Kafka writer. A broker that
// was never run closes immediately.
func (b *Broker) Close() error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	select {
	case <-b.stop:
	default:
		close(b.stop)
		if started {
			<-b.done
		}
	}
	if b.writer != nil {
		return b.writer.Close()
	}
	return nil
}
