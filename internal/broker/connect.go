package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oriys/chatflow/internal/config"
)

// Dial opens an AMQP connection using cfg, making up to 5 attempts with
// a linearly growing pause between them (500ms, 1s, 1.5s, ...). The
// broker is treated as always-eventually-available infrastructure, the
// same assumption the reference dependency notifier makes for its
// backing queue.
func Dial(cfg config.BrokerConfig) (*amqp.Connection, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Pass, cfg.Host, cfg.Port)

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial broker after retries: %w", lastErr)
}
