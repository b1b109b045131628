package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/recharge"
)

// VOZSelector selects voice-package SIMs. Voice lines have no position
// stream, so liveness is its own expiry predicate and every expired line is
// a recharge candidate; candidates carry NoReportData so the classifier
// never routes them to grace.
type VOZSelector struct {
	db        DB
	params    Params
	blocklist Blocklist
	log       *logrus.Entry
}

func NewVOZSelector(db DB, params Params, log *logrus.Logger) *VOZSelector {
	return &VOZSelector{
		db:        db,
		params:    params,
		blocklist: NewBlocklist(params.ExtraBlocked),
		log:       log.WithFields(logrus.Fields{"component": "selector", "service": "voz"}),
	}
}

const vozCandidateQuery = `
	SELECT s.id, s.sim, s.descripcion, e.nombre, s.unix_saldo_voz
	FROM sims_voz s
	JOIN empresas e ON e.id = s.id_empresa
	WHERE s.status = 1
	  AND e.status = 1
	  AND s.unix_saldo_voz IS NOT NULL
	  AND s.unix_saldo_voz <= $1
	  AND NOT EXISTS (
		SELECT 1
		FROM detalle_recargas dr
		JOIN recargas r ON r.id = dr.id_recarga
		WHERE dr.sim = s.sim
		  AND dr.status = 1
		  AND r.tipo = $2
		  AND r.fecha > $3
	  )
	ORDER BY s.descripcion
`

func (s *VOZSelector) Candidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error) {
	endOfToday := recharge.EndOfDay(now, s.params.Location)
	suppressedSince := now.Add(-time.Duration(s.params.SuppressionDays) * 24 * time.Hour).Unix()

	rows, err := s.db.Query(ctx, vozCandidateQuery, endOfToday.Unix(), recharge.ServiceVOZ.Tag(), suppressedSince)
	if err != nil {
		return nil, fmt.Errorf("voz candidates query: %w", err)
	}
	defer rows.Close()

	var out []recharge.Candidate
	for rows.Next() {
		var (
			dev       recharge.Device
			unixSaldo int64
		)
		if err := rows.Scan(&dev.ID, &dev.SIM, &dev.Description, &dev.Company, &unixSaldo); err != nil {
			return nil, fmt.Errorf("voz candidates scan: %w", err)
		}
		dev.Expiry = time.Unix(unixSaldo, 0)

		if s.blocklist.Blocked(dev.Description, dev.Company) {
			continue
		}
		out = append(out, recharge.Candidate{Device: dev, MinutesSinceReport: recharge.NoReportData})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("voz candidates rows: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Device.Description < out[j].Device.Description
	})
	return out, nil
}
