package activation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ChainHost/internal/broadcast"
	xerrors "ChainHost/internal/errors"
	"ChainHost/internal/queue"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

// EventPluginActivated 是插件激活事件的类型名。
const EventPluginActivated = "plugin.activated"

// Event 是发布到事件队列的消息体。
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Plugin        string    `json:"plugin"`
	Version       string    `json:"version,omitempty"`
	ResourceTypes []string  `json:"resource_types,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PluginLookup 用于补充事件中的插件描述信息。
type PluginLookup interface {
	Plugin(name string) (plugin.Plugin, bool)
}

// Notifier 订阅插件激活流，并把每次激活发布到事件队列。
type Notifier struct {
	producer queue.Producer
	lookup   PluginLookup
	now      func() time.Time
	logger   *slog.Logger
}

// NewNotifier 构造 Notifier，lookup 可以为空。
func NewNotifier(producer queue.Producer, lookup PluginLookup) *Notifier {
	return &Notifier{producer: producer, lookup: lookup, now: time.Now, logger: logger.Named("activation.events")}
}

// Run 阻塞消费激活流直到 ctx 结束或流关闭。订阅前已激活的插件会被重放。
func (n *Notifier) Run(ctx context.Context, activated *broadcast.Subject[string]) error {
	if n.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件队列")
	}
	sub := activated.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case name, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := n.publish(ctx, name); err != nil {
				n.logger.Error("发布插件激活事件失败", slog.Any("error", err), slog.String("plugin", name))
			}
		}
	}
}

func (n *Notifier) publish(ctx context.Context, name string) error {
	event := Event{
		ID:         uuid.NewString(),
		Type:       EventPluginActivated,
		Plugin:     name,
		OccurredAt: n.now().UTC(),
	}
	if n.lookup != nil {
		if p, ok := n.lookup.Plugin(name); ok {
			event.Version = p.Version
			event.ResourceTypes = p.ResourceTypeNames()
		}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := n.producer.Publish(ctx, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布事件失败")
	}
	n.logger.Debug("已发布插件激活事件", slog.String("plugin", name), slog.String("event_id", event.ID))
	return nil
}
