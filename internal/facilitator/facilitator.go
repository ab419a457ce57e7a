// Package facilitator verifies and settles x402 "exact" payments.
//
// Local checks the payment itself and settles through the custody smart
// account. Proxy delegates both steps to a remote facilitator over HTTP.
package facilitator

import (
	"context"

	"github.com/mbd888/echo/pkg/x402"
)

// Facilitator verifies a payment against requirements and settles it.
//
// A payment that fails a check is not an error: Verify returns
// IsValid=false with an InvalidReason and Settle returns Success=false with
// an ErrorReason. Errors are reserved for infrastructure failures.
type Facilitator interface {
	Verify(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error)
}

func invalid(reason, payer string) *x402.VerifyResponse {
	return &x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}
