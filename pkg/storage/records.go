package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MetricRecord is one watch sample of a machine.
type MetricRecord struct {
	Address    string        `json:"address"`
	Vendor     miner.Vendor  `json:"vendor"`
	Status     miner.Status  `json:"status"`
	Metrics    miner.Metrics `json:"metrics"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// RecordMetrics appends one sample per machine at the given time. Offline
// samples are kept so gaps show up in history.
func (s *Store) RecordMetrics(ctx context.Context, machines []miner.MachineInfo, at time.Time) error {
	if len(machines) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (address, vendor, status, hashrate, avg_hashrate, temperature, power, elapsed, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, quoteIdent(machineRecordTable))
	ts := toMillis(at)
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: begin records tx failed")
		}
		defer tx.Rollback() //nolint:errcheck
		prepared, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: prepare record insert failed")
		}
		defer prepared.Close()
		for _, m := range machines {
			if _, err := prepared.ExecContext(ctx,
				strings.TrimSpace(m.Address), string(m.Vendor), string(m.Status),
				m.Metrics.HashrateGHS, m.Metrics.AvgHashrateGHS, m.Metrics.TemperatureC,
				m.Metrics.PowerW, m.Metrics.ElapsedSec, ts,
			); err != nil {
				return pkgerrors.Wrapf(err, "storage: insert record %s failed", m.Address)
			}
		}
		return tx.Commit()
	})
}

// QueryRecords returns samples in [from, to) ordered by time. Empty addr
// matches every machine; a zero bound is open.
func (s *Store) QueryRecords(ctx context.Context, addr string, from, to time.Time) ([]MetricRecord, error) {
	conds := []string{"1=1"}
	var args []any
	if addr = strings.TrimSpace(addr); addr != "" {
		conds = append(conds, "address = ?")
		args = append(args, addr)
	}
	if !from.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, toMillis(from))
	}
	if !to.IsZero() {
		conds = append(conds, "recorded_at < ?")
		args = append(args, toMillis(to))
	}
	query := fmt.Sprintf(`SELECT address, vendor, status, hashrate, avg_hashrate, temperature, power, elapsed, recorded_at
		FROM %s WHERE %s ORDER BY recorded_at, address`, quoteIdent(machineRecordTable), strings.Join(conds, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query records failed")
	}
	defer rows.Close()
	var out []MetricRecord
	for rows.Next() {
		var (
			rec            MetricRecord
			vendor, status string
			recordedAt     int64
		)
		if err := rows.Scan(&rec.Address, &vendor, &status,
			&rec.Metrics.HashrateGHS, &rec.Metrics.AvgHashrateGHS, &rec.Metrics.TemperatureC,
			&rec.Metrics.PowerW, &rec.Metrics.ElapsedSec, &recordedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan record failed")
		}
		rec.Vendor = miner.Vendor(vendor)
		rec.Status = miner.Status(status)
		rec.RecordedAt = fromMillis(recordedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate records failed")
	}
	return out, nil
}

// ClearRecordsBefore deletes samples older than t and returns how many went.
func (s *Store) ClearRecordsBefore(ctx context.Context, t time.Time) (int64, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", quoteIdent(machineRecordTable))
	var affected int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, stmt, toMillis(t))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, pkgerrors.Wrap(err, "storage: clear records failed")
	}
	log.Debug().Int64("deleted", affected).Time("before", t).Msg("storage: cleared machine records")
	return affected, nil
}
