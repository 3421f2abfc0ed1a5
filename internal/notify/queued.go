package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/queue"
)

// QueuedNotifier hands messages to the sms queue, or sends them directly
// when queueing is disabled (nil enqueuer). Secret messages always go
// direct so codes never sit in Redis or its failed list.
type QueuedNotifier struct {
	direct   Notifier
	enqueuer queue.Enqueuer
	logger   *zap.Logger
}

func NewQueuedNotifier(direct Notifier, enqueuer queue.Enqueuer, logger *zap.Logger) *QueuedNotifier {
	return &QueuedNotifier{direct: direct, enqueuer: enqueuer, logger: logger.Named("notify")}
}

func (n *QueuedNotifier) Send(ctx context.Context, msg Message) error {
	if n.enqueuer == nil || msg.Secret {
		return n.direct.Send(ctx, msg)
	}
	if err := n.enqueuer.Enqueue(ctx, queue.SendSMS{To: msg.To, Message: msg.Body}); err != nil {
		return err
	}
	n.logger.Debug("sms queued", zap.String("to", maskPhone(msg.To)))
	return nil
}

func (n *QueuedNotifier) SendLoanApproval(ctx context.Context, phone string, amount int64, dueDate time.Time) error {
	return n.Send(ctx, Message{To: phone, Body: LoanApprovalMessage(amount, dueDate)})
}

func (n *QueuedNotifier) SendGasTopupConfirmation(ctx context.Context, phone, meter string, amount int64, units, token string) error {
	return n.Send(ctx, Message{To: phone, Body: GasTopupMessage(meter, amount, units, token)})
}
