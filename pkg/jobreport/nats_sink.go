package jobreport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	heliosnats "github.com/wehubfusion/Helios/internal/nats"
)

// NATSSink publishes reports on a subject. The report name is sent in the
// Helios-Report header.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// NewNATSSink publishes on an existing connection
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// DialNATSSink connects to url and returns a sink that owns the connection
func DialNATSSink(ctx context.Context, url, subject string, logger *zap.Logger) (*NATSSink, error) {
	if subject == "" {
		return nil, fmt.Errorf("NATS subject cannot be empty")
	}
	cfg := heliosnats.DefaultConnectionConfig(url)
	conn, err := heliosnats.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: conn, subject: subject, owned: true}, nil
}

func (*NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, name string, data []byte) error {
	if !heliosnats.IsConnected(s.conn) {
		return fmt.Errorf("not connected")
	}
	msg := nats.NewMsg(s.subject)
	msg.Header.Set("Helios-Report", name)
	msg.Data = data
	if err := s.conn.PublishMsg(msg); err != nil {
		return err
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return s.conn.FlushTimeout(timeout)
}

// Close releases the connection if the sink opened it
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return heliosnats.Close(s.conn)
}
