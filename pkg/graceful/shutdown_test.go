package graceful

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rail-service/settlement_core/pkg/logger"
)

func TestShutdownManager_StopsInReverseOrder(t *testing.T) {
	var order []string
	sm := NewShutdownManager(nil, 0, logger.NewNop())
	sm.Register("first", StopFunc(func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	}))
	sm.Register("second", StopFunc(func(ctx context.Context) error {
		order = append(order, "second")
		return errors.New("ignored")
	}))
	sm.OnClose(func() error {
		order = append(order, "db")
		return nil
	})

	sm.Shutdown()

	assert.Equal(t, []string{"second", "first", "db"}, order)
}
