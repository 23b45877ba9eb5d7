package sip

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeoutConfig holds the transaction timeouts applied when a caller does not
// pass its own.
type TimeoutConfig struct {
	InviteTimeout  time.Duration // RFC 3261 Timer B
	ByeTimeout     time.Duration
	CancelTimeout  time.Duration
	OptionsTimeout time.Duration
	AckTimeout     time.Duration // wait for the ACK of a 2xx
	DefaultTimeout time.Duration
}

// DefaultTimeoutConfig returns the default transaction timeouts
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		InviteTimeout:  32 * time.Second,
		ByeTimeout:     32 * time.Second,
		CancelTimeout:  5 * time.Second,
		OptionsTimeout: 5 * time.Second,
		AckTimeout:     32 * time.Second,
		DefaultTimeout: 30 * time.Second,
	}
}

// TimeoutHandler bounds transport operations in time
type TimeoutHandler struct {
	config *TimeoutConfig
	logger *logrus.Logger
}

// NewTimeoutHandler creates a timeout handler. A nil config uses the defaults.
func NewTimeoutHandler(config *TimeoutConfig, logger *logrus.Logger) *TimeoutHandler {
	if config == nil {
		config = DefaultTimeoutConfig()
	}
	return &TimeoutHandler{
		config: config,
		logger: logger,
	}
}

// GetMethodTimeout returns the timeout of a SIP method
func (th *TimeoutHandler) GetMethodTimeout(method string) time.Duration {
	switch method {
	case "INVITE":
		return th.config.InviteTimeout
	case "BYE":
		return th.config.ByeTimeout
	case "CANCEL":
		return th.config.CancelTimeout
	case "OPTIONS":
		return th.config.OptionsTimeout
	case "ACK":
		return th.config.AckTimeout
	default:
		return th.config.DefaultTimeout
	}
}

// Resolve returns timeout when positive, otherwise the method timeout
func (th *TimeoutHandler) Resolve(method string, timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return th.GetMethodTimeout(method)
}

// Bound derives a context that expires after the resolved timeout of method.
// Expiry is logged at debug level once the context is done.
func (th *TimeoutHandler) Bound(ctx context.Context, method string, timeout time.Duration) (context.Context, context.CancelFunc) {
	timeout = th.Resolve(method, timeout)
	bounded, cancel := context.WithTimeout(ctx, timeout)
	context.AfterFunc(bounded, func() {
		if stderrors.Is(bounded.Err(), context.DeadlineExceeded) {
			th.logger.WithFields(logrus.Fields{
				"method":  method,
				"timeout": timeout,
			}).Debug("Transaction timer expired")
		}
	})
	return bounded, cancel
}
