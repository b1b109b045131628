// Package settlement commits confirmed provider charges into the system of
// record: one master row per batch, one detail row per charge, and the
// device expiry bump, all in a single transaction.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/recharge"
)

// MasterRow is the per-batch header in the system of record.
type MasterRow struct {
	Total       float64
	Timestamp   int64
	Note        string
	Actor       string
	Provider    string
	ServiceType string
	Summary     json.RawMessage
}

// DetailRow is one settled charge. Folio, when present, is the global
// idempotency key.
type DetailRow struct {
	SIM      string
	Amount   float64
	DeviceID int64
	Label    string
	Detail   string
	Folio    string
	Status   int
}

// AnalyticsRow carries the per-tick aggregate counters. It rides inside the
// settlement transaction but its failure never aborts the settlement.
type AnalyticsRow struct {
	Service    string
	Recharged  int
	Grace      int
	Stable     int
	TotalSpent float64
}

// Tx is the set of writes available inside one settlement transaction.
type Tx interface {
	InsertMaster(ctx context.Context, m MasterRow) (int64, error)
	// InsertDetail reports duplicate=true when (sim, folio) already exists;
	// the transaction stays usable.
	InsertDetail(ctx context.Context, masterID int64, d DetailRow) (duplicate bool, err error)
	// UpdateDeviceExpiry raises the device expiry; it never lowers it.
	UpdateDeviceExpiry(ctx context.Context, deviceID int64, expiry time.Time) error
	InsertAnalytics(ctx context.Context, masterID int64, a AnalyticsRow) error
}

// DB runs settlement transactions and post-commit verification.
type DB interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// DetailExists checks, outside any transaction, that a committed detail
	// row is actually observable. Rows without a folio are looked up by
	// master id and SIM instead.
	DetailExists(ctx context.Context, masterID int64, sim, folio string) (bool, error)
}

// Result describes what happened to one batch.
type Result struct {
	MasterID   int64
	Settled    []string // pending ids verified present
	Duplicates []string // pending ids absorbed by the folio constraint
	Unverified []string // pending ids committed but not observable
}

// Options tunes one settlement run.
type Options struct {
	// Recovery prefixes the note so recovered settlements are
	// distinguishable in the books.
	Recovery bool
	Actor    string
}

const recoveryPrefix = "< RECOVERY > "

// Writer settles batches of pending recharges for one timezone.
type Writer struct {
	db  DB
	loc *time.Location
	log *logrus.Entry
}

func NewWriter(db DB, loc *time.Location, log *logrus.Logger) *Writer {
	return &Writer{db: db, loc: loc, log: log.WithField("component", "settlement")}
}

// Settle writes one batch for one service. All items must belong to svc.
//
// On a non-duplicate transaction error the whole batch is reported failed
// and nothing is retried here; the money is safe on the provider side and
// recovery owns the reconciliation. Duplicate folios are absorbed as
// idempotent successes.
func (w *Writer) Settle(ctx context.Context, svc recharge.Service, items []recharge.PendingRecharge, opts Options) (Result, error) {
	if len(items) == 0 {
		return Result{}, nil
	}

	now := time.Now().In(w.loc)
	total := lo.SumBy(items, func(p recharge.PendingRecharge) float64 { return p.Amount })
	note := buildNote(svc, items, opts)
	summary, _ := json.Marshal(map[string]int{
		"items":            len(items),
		"total_candidates": items[0].Note.TotalCandidates,
		"grace":            items[0].Note.GraceCount,
	})

	duplicates := map[string]bool{}
	var masterID int64

	err := w.db.InTx(ctx, func(tx Tx) error {
		var err error
		masterID, err = tx.InsertMaster(ctx, MasterRow{
			Total:       total,
			Timestamp:   now.Unix(),
			Note:        note,
			Actor:       opts.Actor,
			Provider:    items[0].Provider,
			ServiceType: svc.Tag(),
			Summary:     summary,
		})
		if err != nil {
			return fmt.Errorf("insert master: %w", err)
		}

		for _, item := range items {
			dup, err := tx.InsertDetail(ctx, masterID, DetailRow{
				SIM:      item.SIM,
				Amount:   item.Amount,
				DeviceID: item.Device.ID,
				Label:    item.Device.Label(),
				Detail:   FormatDetail(item),
				Folio:    item.Folio,
				Status:   1,
			})
			if err != nil {
				return fmt.Errorf("insert detail sim=%s: %w", item.SIM, err)
			}
			if dup {
				duplicates[item.ID] = true
				continue
			}
			expiry := recharge.EndOfDay(now, w.loc).Add(time.Duration(item.ValidityDays) * 24 * time.Hour)
			if err := tx.UpdateDeviceExpiry(ctx, item.Device.ID, expiry); err != nil {
				return fmt.Errorf("update expiry device=%d: %w", item.Device.ID, err)
			}
		}

		// Analytics share the transaction but never veto it.
		if err := tx.InsertAnalytics(ctx, masterID, AnalyticsRow{
			Service:    string(svc),
			Recharged:  len(items),
			Grace:      items[0].Note.GraceCount,
			Stable:     items[0].Note.TotalCandidates - items[0].Note.TotalToRecharge - items[0].Note.GraceCount,
			TotalSpent: total,
		}); err != nil {
			w.log.WithError(err).Warn("analytics insert failed, settlement continues")
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{MasterID: masterID}
	for _, item := range items {
		if duplicates[item.ID] {
			res.Duplicates = append(res.Duplicates, item.ID)
			continue
		}
		present, verr := w.db.DetailExists(ctx, masterID, item.SIM, item.Folio)
		if verr != nil || !present {
			if verr != nil {
				w.log.WithError(verr).WithField("sim", item.SIM).Error("post-commit verification query failed")
			}
			res.Unverified = append(res.Unverified, item.ID)
			continue
		}
		res.Settled = append(res.Settled, item.ID)
	}
	return res, nil
}

func buildNote(svc recharge.Service, items []recharge.PendingRecharge, opts Options) string {
	nc := items[0].Note
	note := fmt.Sprintf("Recarga automatica %s: %d de %d por recargar, %d en gracia de %d candidatos",
		svc.Tag(), len(items), nc.TotalToRecharge, nc.GraceCount, nc.TotalCandidates)
	if opts.Recovery {
		return recoveryPrefix + note
	}
	return note
}
