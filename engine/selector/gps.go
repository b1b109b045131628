package selector

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/recharge"
)

// GPSSelector selects tracker devices. Freshness comes from the latest
// position event per device.
type GPSSelector struct {
	db        DB
	params    Params
	blocklist Blocklist
	log       *logrus.Entry
}

func NewGPSSelector(db DB, params Params, log *logrus.Logger) *GPSSelector {
	return &GPSSelector{
		db:        db,
		params:    params,
		blocklist: NewBlocklist(params.ExtraBlocked),
		log:       log.WithFields(logrus.Fields{"component": "selector", "service": "gps"}),
	}
}

const gpsCandidateQuery = `
	SELECT d.id, d.sim, d.descripcion, e.nombre, d.hardware_id, d.unix_saldo, ev.fecha
	FROM dispositivos d
	JOIN empresas e ON e.id = d.id_empresa
	LEFT JOIN LATERAL (
		SELECT fecha FROM eventos_rastreo
		WHERE id_dispositivo = d.id
		ORDER BY fecha DESC
		LIMIT 1
	) ev ON true
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

func (s *GPSSelector) Candidates(ctx context.Context, now time.Time) ([]recharge.Candidate, error) {
	endOfToday := recharge.EndOfDay(now, s.params.Location)
	suppressedSince := now.Add(-time.Duration(s.params.SuppressionDays) * 24 * time.Hour).Unix()

	rows, err := s.db.Query(ctx, gpsCandidateQuery, endOfToday.Unix(), recharge.ServiceGPS.Tag(), suppressedSince)
	if err != nil {
		return nil, fmt.Errorf("gps candidates query: %w", err)
	}
	defer rows.Close()

	var out []recharge.Candidate
	for rows.Next() {
		var (
			dev        recharge.Device
			unixSaldo  int64
			lastReport sql.NullTime
		)
		if err := rows.Scan(&dev.ID, &dev.SIM, &dev.Description, &dev.Company, &dev.HardwareID, &unixSaldo, &lastReport); err != nil {
			return nil, fmt.Errorf("gps candidates scan: %w", err)
		}
		dev.Expiry = time.Unix(unixSaldo, 0)

		if s.blocklist.Blocked(dev.Description, dev.Company) {
			continue
		}

		cand := recharge.Candidate{Device: dev, MinutesSinceReport: recharge.NoReportData}
		if lastReport.Valid {
			cand.MinutesSinceReport = minutesBetween(lastReport.Time, now)
			cand.DaysSinceReport = daysBetween(lastReport.Time, now)
		}
		if s.params.ActivityCapDays > 0 && cand.DaysSinceReport > s.params.ActivityCapDays {
			continue
		}
		out = append(out, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gps candidates rows: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Device.Description < out[j].Device.Description
	})
	return out, nil
}
