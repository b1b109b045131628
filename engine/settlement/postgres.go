package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB implements DB over a pgx pool.
type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(pool *pgxpool.Pool) *PostgresDB {
	return &PostgresDB{pool: pool}
}

func (d *PostgresDB) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&postgresTx{tx: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func (d *PostgresDB) DetailExists(ctx context.Context, masterID int64, sim, folio string) (bool, error) {
	var (
		n   int
		err error
	)
	if folio != "" {
		err = d.pool.QueryRow(ctx,
			`SELECT 1 FROM detalle_recargas WHERE sim = $1 AND folio = $2 LIMIT 1`,
			sim, folio,
		).Scan(&n)
	} else {
		err = d.pool.QueryRow(ctx,
			`SELECT 1 FROM detalle_recargas WHERE id_recarga = $1 AND sim = $2 LIMIT 1`,
			masterID, sim,
		).Scan(&n)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) InsertMaster(ctx context.Context, m MasterRow) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO recargas (total, fecha, nota, quien, proveedor, tipo, resumen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, m.Total, m.Timestamp, m.Note, m.Actor, m.Provider, m.ServiceType, m.Summary).Scan(&id)
	return id, err
}

// InsertDetail relies on the partial unique index over (sim, folio) WHERE
// folio IS NOT NULL. ON CONFLICT DO NOTHING turns a retried settlement into
// an idempotent no-op without poisoning the transaction.
func (t *postgresTx) InsertDetail(ctx context.Context, masterID int64, d DetailRow) (bool, error) {
	if d.Folio == "" {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO detalle_recargas (id_recarga, sim, importe, id_dispositivo, vehiculo, detalle, folio, status)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)
		`, masterID, d.SIM, d.Amount, d.DeviceID, d.Label, d.Detail, d.Status)
		return false, err
	}

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO detalle_recargas (id_recarga, sim, importe, id_dispositivo, vehiculo, detalle, folio, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sim, folio) WHERE folio IS NOT NULL DO NOTHING
	`, masterID, d.SIM, d.Amount, d.DeviceID, d.Label, d.Detail, d.Folio, d.Status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}

// UpdateDeviceExpiry uses GREATEST so a settlement can only push the expiry
// forward, never back.
func (t *postgresTx) UpdateDeviceExpiry(ctx context.Context, deviceID int64, expiry time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE dispositivos
		SET unix_saldo = GREATEST(COALESCE(unix_saldo, 0), $2)
		WHERE id = $1
	`, deviceID, expiry.Unix())
	return err
}

// InsertAnalytics runs under a savepoint: a failed analytics insert must not
// poison the settlement transaction it rides in.
func (t *postgresTx) InsertAnalytics(ctx context.Context, masterID int64, a AnalyticsRow) error {
	if _, err := t.tx.Exec(ctx, `SAVEPOINT analitica`); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO recargas_analitica (id_recarga, servicio, recargados, gracia, estables, total)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, masterID, a.Service, a.Recharged, a.Grace, a.Stable, a.TotalSpent)
	if err != nil {
		t.tx.Exec(ctx, `ROLLBACK TO SAVEPOINT analitica`)
		return err
	}
	_, err = t.tx.Exec(ctx, `RELEASE SAVEPOINT analitica`)
	return err
}
