package notification

import (
	"context"
	"log/slog"

	"github.com/congo-pay/textpay/internal/logging"
)

const (
	// KindTransferReceived tells a recipient that value arrived.
	KindTransferReceived = "transfer_received"
	// KindTransferFailed tells a sender that a confirmed transfer did not settle.
	KindTransferFailed = "transfer_failed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger in place of an SMS gateway.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", logging.MaskPhone(message.Destination), "body", message.Body)
	return nil
}
