package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/recharge"
)

// MetricsSource answers "when did this endpoint last emit a metric". IoT
// freshness lives in a time-series store, not in the relational system of
// record.
type MetricsSource interface {
	// LastMetric returns the newest metric timestamp for the endpoint UUID.
	// found=false means no metric exists, which counts as no activity.
	LastMetric(ctx context.Context, uuid string) (ts time.Time, found bool, err error)
}

// ELIOTSelector selects IoT endpoints. The relational query yields the
// devices; the metrics store yields their freshness.
type ELIOTSelector struct {
	db        DB
	metrics   MetricsSource
	params    Params
	blocklist Blocklist
	// metricsTimeout bounds each freshness lookup so one slow time-series
	// query cannot stall the whole tick.
	metricsTimeout time.Duration
	log            *logrus.Entry
}

func NewELIOTSelector(db DB, metrics MetricsSource, params Params, log *logrus.Logger) *ELIOTSelector {
	return &ELIOTSelector{
		db:             db,
		metrics:        metrics,
		params:         params,
		blocklist:      NewBlocklist(params.ExtraBlocked),
		metricsTimeout: 5 * time.Second,
		log:            log.WithFields(logrus.Fields{"component": "selector", "service": "eliot"}),
	}
}

const eliotCandidateQuery = `
	SELECT d.id, d.sim, d.descripcion, e.nombre, d.uuid, d.unix_saldo
	FROM dispositivos_eliot d
	JOIN empresas e ON e.id = d.id_empresa
	WHERE d.status = 1
	  AND e.status = 1
	  AND d.unix_saldo IS NOT NULL
	  AND d.unix_saldo <= $1
	  AND NOT EXISTS (
		SELECT 1
		FROM detalle_recargas dr
		JOIN recargas r ON r.id = dr.id_recarga
		WHERE dr.sim = d.sim
		  AND dr.status = 1
		  AND r.tipo = $2
		  AND r.fecha > $3
	  )
	ORDER BY d.descripcion
`

func (s *ELIOTSelector) Candidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error) {
	endOfToday := recharge.EndOfDay(now, s.params.Location)
	suppressedSince := now.Add(-time.Duration(s.params.SuppressionDays) * 24 * time.Hour).Unix()

	rows, err := s.db.Query(ctx, eliotCandidateQuery, endOfToday.Unix(), recharge.ServiceELIOT.Tag(), suppressedSince)
	if err != nil {
		return nil, fmt.Errorf("eliot candidates query: %w", err)
	}
	defer rows.Close()

	type rawRow struct {
		dev  recharge.Device
		uuid string
	}
	var raw []rawRow
	for rows.Next() {
		var (
			r         rawRow
			unixSaldo int64
		)
		if err := rows.Scan(&r.dev.ID, &r.dev.SIM, &r.dev.Description, &r.dev.Company, &r.uuid, &unixSaldo); err != nil {
			return nil, fmt.Errorf("eliot candidates scan: %w", err)
		}
		r.dev.Expiry = time.Unix(unixSaldo, 0)
		r.dev.HardwareID = r.uuid
		if s.blocklist.Blocked(r.dev.Description, r.dev.Company) {
			continue
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eliot candidates rows: %w", err)
	}

	var out []recharge.Candidate
	for _, r := range raw {
		cand := recharge.Candidate{Device: r.dev, MinutesSinceReport: recharge.NoReportData}

		mctx, cancel := context.WithTimeout(ctx, s.metricsTimeout)
		ts, found, merr := s.metrics.LastMetric(mctx, r.uuid)
		cancel()
		switch {
		case merr != nil:
			// A metrics outage means freshness is unknown; treating it as
			// no activity keeps the device rechargeable rather than stranded.
			s.log.WithError(merr).WithField("uuid", r.uuid).Warn("metrics lookup failed, assuming no activity")
		case found:
			cand.MinutesSinceReport = minutesBetween(ts, now)
			cand.DaysSinceReport = daysBetween(ts, now)
		}

		if s.params.ActivityCapDays > 0 && cand.DaysSinceReport > s.params.ActivityCapDays {
			continue
		}
		out = append(out, cand)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Device.Description < out[j].Device.Description
	})
	return out, nil
}
