package billing

import (
	"fmt"
	"strings"
)

// DefaultCustomerPayloadKey is the meter event payload key Stripe uses to map usage to a customer
const DefaultCustomerPayloadKey = "stripe_customer_id"

// StripeConfig holds configuration for reporting meter events to Stripe
type StripeConfig struct {
	// SecretKey is the Stripe secret API key (sk_test_xxx or sk_live_xxx)
	SecretKey string

	// APIURL overrides the API base URL, e.g. for stripe-mock
	APIURL string

	// CustomerPayloadKey is the payload key carrying the subject id.
	// It must match the customer mapping configured on the Stripe meter.
	CustomerPayloadKey string

	// MaxNetworkRetries is passed to the Stripe backend. The sync dispatcher
	// already retries on the next pass, so the default is zero.
	MaxNetworkRetries int64
}

// Validate validates the Stripe configuration
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}
	if !strings.HasPrefix(c.SecretKey, "sk_") && !strings.HasPrefix(c.SecretKey, "rk_") {
		return fmt.Errorf("stripe: secret key must be a secret or restricted key")
	}
	if c.MaxNetworkRetries < 0 {
		return fmt.Errorf("stripe: max network retries cannot be negative")
	}
	return nil
}

func (c *StripeConfig) customerPayloadKey() string {
	if c.CustomerPayloadKey == "" {
		return DefaultCustomerPayloadKey
	}
	return c.CustomerPayloadKey
}
