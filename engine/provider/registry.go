package provider

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/store"
)

// BalanceSnapshot is one provider's balance as observed at tick start.
// LastKnown carries the previous successful reading when the live query
// failed; it exists for the operator event only and never makes a provider
// eligible.
type BalanceSnapshot struct {
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	LastKnown float64 `json:"last_known,omitempty"`
	Err       string  `json:"error,omitempty"`
}

// Registry holds the configured providers and picks the one to spend from.
type Registry struct {
	clients []Client
	cache   *store.LookupCache
	log     *logrus.Entry
}

func NewRegistry(clients []Client, cache *store.LookupCache, log *logrus.Logger) *Registry {
	if cache == nil {
		cache = store.NewLookupCache()
	}
	return &Registry{clients: clients, cache: cache, log: log.WithField("component", "providers")}
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		names = append(names, c.Name())
	}
	return names
}

// ByName returns the client for a provider, or nil.
func (r *Registry) ByName(name string) Client {
	for _, c := range r.clients {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Eligible queries every provider's balance and returns, sorted by balance
// descending, the clients whose balance covers at least one unit. A provider
// whose balance query fails is skipped for this tick; spending blind is not
// an option, so the cached reading only decorates the snapshot.
func (r *Registry) Eligible(ctx context.Context, unitAmount float64) ([]Client, []BalanceSnapshot) {
	type ranked struct {
		client  Client
		balance float64
	}
	var ok []ranked
	snapshots := make([]BalanceSnapshot, 0, len(r.clients))
	for _, c := range r.clients {
		bal, err := c.Balance(ctx)
		if err != nil {
			r.log.WithError(err).WithField("provider", c.Name()).Warn("balance query failed, provider skipped this tick")
			snap := BalanceSnapshot{Name: c.Name(), Err: err.Error()}
			if last, cached := r.cache.GetFloat64("balance:" + c.Name()); cached {
				snap.LastKnown = last
			}
			snapshots = append(snapshots, snap)
			continue
		}
		r.cache.SetFloat64("balance:"+c.Name(), bal)
		snapshots = append(snapshots, BalanceSnapshot{Name: c.Name(), Balance: bal})
		if bal >= unitAmount {
			ok = append(ok, ranked{client: c, balance: bal})
		}
	}
	sort.SliceStable(ok, func(i, j int) bool { return ok[i].balance > ok[j].balance })

	clients := make([]Client, 0, len(ok))
	for _, e := range ok {
		clients = append(clients, e.client)
	}
	return clients, snapshots
}
