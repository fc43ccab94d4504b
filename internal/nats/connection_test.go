package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "helios", cfg.Name)
	assert.Equal(t, 10, cfg.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestConnectValidation(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = Connect(context.Background(), &ConnectionConfig{}, nil)
	assert.ErrorContains(t, err, "URL cannot be empty")
}

func TestConnectUnreachable(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Connect(ctx, cfg, nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
}

func TestNilConnection(t *testing.T) {
	assert.False(t, IsConnected(nil))
	assert.NoError(t, Close(nil))
}
