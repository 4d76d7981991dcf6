package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GianGuaz256/pow-vending-machine/internal/display"
)

func TestHubLifecycle(t *testing.T) {
	t.Run("新连接立即补发最近一次状态", func(t *testing.T) {
		hub := NewHub(zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go hub.Run(ctx)

		hub.Notify(display.Notification{State: "idle"})

		client := &Client{ID: "display-1", Hub: hub, Send: make(chan []byte, 64)}
		hub.Register(client)

		select {
		case data := <-client.Send:
			var msg Message
			require.NoError(t, json.Unmarshal(data, &msg))
			assert.Equal(t, MessageTypeState, msg.Type)
			assert.Equal(t, "idle", msg.Data.State)
		case <-time.After(time.Second):
			t.Fatal("未收到补发的状态消息")
		}
	})

	t.Run("上下文取消后退出并断开显示端", func(t *testing.T) {
		hub := NewHub(zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			hub.Run(ctx)
			close(done)
		}()

		client := &Client{ID: "display-1", Hub: hub, Send: make(chan []byte, 64)}
		hub.Register(client)

		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("推送中心未随上下文退出")
		}
		assert.Equal(t, 0, hub.OnlineCount())
	})
}
