package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is the normalized outcome of one recharge call. A Success=true
// result means the provider committed the purchase; the caller must persist
// it before doing anything else.
type Result struct {
	Success      bool
	Folio        string
	TransID      string
	FinalBalance float64
	Carrier      string
	// TimeoutObserved is how long the provider took to answer. Kept for the
	// detail-row audit line.
	TimeoutObserved time.Duration
	IP              string
	Raw             json.RawMessage
}

// Client is the uniform surface over one recharge provider.
type Client interface {
	Name() string
	Balance(ctx context.Context) (float64, error)
	Recharge(ctx context.Context, sim string, productCode string) (Result, error)
}

// StatusError reports a non-2xx HTTP answer from a provider endpoint.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s: http %d: %s", e.Provider, e.Status, e.Body)
}

// BusinessError reports a well-formed provider answer that declines the
// recharge: invalid SIM, target out of coverage, provider out of balance.
type BusinessError struct {
	Provider string
	Code     string
	Message  string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

// RateLimitError reports an explicit rate-limit answer.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider %s: rate limited: %s", e.Provider, e.Message)
}
