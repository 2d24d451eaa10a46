// Package noop provides a discovery.Provider that never proposes vendors.
package noop

import (
	"context"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

// Provider returns no candidates and hands the history back unchanged. It
// lets the scheduler and API run without provider credentials.
type Provider struct{}

var _ discovery.Provider = Provider{}

// New returns a Provider.
func New() Provider {
	return Provider{}
}

// Discover returns an empty result.
func (Provider) Discover(ctx context.Context, req discovery.Request) (discovery.Result, error) {
	if err := ctx.Err(); err != nil {
		return discovery.Result{}, err
	}
	return discovery.Result{History: req.History}, nil
}
