package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/notify"
	"storefront-service/internal/util"
)

// maxDeliveryAttempts bounds SMTP retries for one confirmation message.
const maxDeliveryAttempts = 3

// NotificationWorker delivers order confirmations queued on the order topic
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	sender       notify.Notifier
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker. sender is the
// transport that actually reaches the customer, normally the SMTP mailer.
func NewNotificationWorker(consumer *broker.Consumer, sender notify.Notifier) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		sender:       sender,
		logger:       util.Component("notification-worker"),
	}
	w.eventHandler.OnOrderConfirmation(w.deliver)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage, maxDeliveryAttempts)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) deliver(ctx context.Context, event *models.OrderConfirmationEvent) error {
	if event.Email == "" {
		w.logger.Warn("Confirmation without recipient dropped", zap.String("order_id", event.Snapshot.OrderID))
		return nil
	}

	if err := w.sender.SendOrderConfirmation(ctx, event.Email, event.Snapshot); err != nil {
		util.NotificationsTotal.WithLabelValues("send_failed").Inc()
		return err
	}

	util.NotificationsTotal.WithLabelValues("sent").Inc()
	w.logger.Info("Order confirmation sent", zap.String("order_id", event.Snapshot.OrderID))
	return nil
}

// UnboundOrderExpirer fails orders whose payment session was never bound.
type UnboundOrderExpirer interface {
	ExpireUnboundOrders(ctx context.Context, maxAge time.Duration) (int, error)
}

// PendingOrderSweeper periodically fails orders stuck before session binding
type PendingOrderSweeper struct {
	expirer  UnboundOrderExpirer
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewPendingOrderSweeper creates a new sweeper
func NewPendingOrderSweeper(expirer UnboundOrderExpirer, interval, maxAge time.Duration) *PendingOrderSweeper {
	return &PendingOrderSweeper{
		expirer:  expirer,
		interval: interval,
		maxAge:   maxAge,
		logger:   util.Component("order-sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *PendingOrderSweeper) Run(ctx context.Context) {
	s.logger.Info("Starting order sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("max_age", s.maxAge))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("Stopping order sweeper")
			return
		}
	}
}

func (s *PendingOrderSweeper) sweep(ctx context.Context) {
	n, err := s.expirer.ExpireUnboundOrders(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("Order sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Expired unbound orders", zap.Int("count", n))
	}
}
