package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/httprunner/MinerAgent/pkg/miner"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// UpsertMachines writes the latest state of each machine in one transaction.
func (s *Store) UpsertMachines(ctx context.Context, machines []miner.MachineInfo) error {
	if len(machines) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (address, vendor, model, status, pools, metrics, last_error, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			vendor=excluded.vendor, model=excluded.model, status=excluded.status,
			pools=excluded.pools, metrics=excluded.metrics, last_error=excluded.last_error,
			last_seen=excluded.last_seen, updated_at=excluded.updated_at`, quoteIdent(machinesTable))
	now := time.Now().UnixMilli()
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: begin machines tx failed")
		}
		defer tx.Rollback() //nolint:errcheck
		prepared, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: prepare machine upsert failed")
		}
		defer prepared.Close()
		for _, m := range machines {
			pools, err := json.Marshal(m.Pools)
			if err != nil {
				return pkgerrors.Wrap(err, "storage: marshal pools failed")
			}
			metrics, err := json.Marshal(m.Metrics)
			if err != nil {
				return pkgerrors.Wrap(err, "storage: marshal metrics failed")
			}
			if _, err := prepared.ExecContext(ctx,
				strings.TrimSpace(m.Address), string(m.Vendor), m.Model, string(m.Status),
				string(pools), string(metrics), m.LastError, toMillis(m.LastSeen), now,
			); err != nil {
				return pkgerrors.Wrapf(err, "storage: upsert machine %s failed", m.Address)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) RemoveMachines(ctx context.Context, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	placeholders := make([]string, len(addrs))
	args := make([]any, len(addrs))
	for i, a := range addrs {
		placeholders[i] = "?"
		args[i] = strings.TrimSpace(a)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE address IN (%s)", quoteIdent(machinesTable), strings.Join(placeholders, ", "))
	if err := execWithRetry(ctx, s.db, stmt, args...); err != nil {
		return pkgerrors.Wrap(err, "storage: remove machines failed")
	}
	return nil
}

// LoadMachines returns every stored machine ordered by address.
func (s *Store) LoadMachines(ctx context.Context) ([]miner.MachineInfo, error) {
	query := fmt.Sprintf(`SELECT address, vendor, model, status, pools, metrics, last_error, last_seen
		FROM %s ORDER BY address`, quoteIdent(machinesTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query machines failed")
	}
	defer rows.Close()
	var out []miner.MachineInfo
	for rows.Next() {
		var (
			m                miner.MachineInfo
			vendor, status   string
			model, lastError sql.NullString
			pools, metrics   string
			lastSeen         sql.NullInt64
		)
		if err := rows.Scan(&m.Address, &vendor, &model, &status, &pools, &metrics, &lastError, &lastSeen); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan machine failed")
		}
		m.Vendor = miner.Vendor(vendor)
		m.Status = miner.Status(status)
		m.Model = model.String
		m.LastError = lastError.String
		m.LastSeen = fromMillis(lastSeen.Int64)
		if err := json.Unmarshal([]byte(pools), &m.Pools); err != nil {
			log.Warn().Err(err).Str("address", m.Address).Msg("storage: skip machine with corrupt pools")
			continue
		}
		if err := json.Unmarshal([]byte(metrics), &m.Metrics); err != nil {
			log.Warn().Err(err).Str("address", m.Address).Msg("storage: corrupt metrics ignored")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate machines failed")
	}
	return out, nil
}

// SaveSwitchRecord appends rec to the switch history.
func (s *Store) SaveSwitchRecord(ctx context.Context, rec miner.SwitchRecord) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (address, switched_at, target_url, target_account) VALUES (?, ?, ?, ?)`,
		quoteIdent(switchRecordsTable))
	if err := execWithRetry(ctx, s.db, stmt,
		strings.TrimSpace(rec.Address), toMillis(rec.SwitchedAt), rec.Target.URL, rec.Target.Account,
	); err != nil {
		return pkgerrors.Wrapf(err, "storage: save switch record %s failed", rec.Address)
	}
	return nil
}

// LoadSwitchRecords returns the latest switch per device, which is what the
// cooldown ledger needs after a restart.
func (s *Store) LoadSwitchRecords(ctx context.Context) ([]miner.SwitchRecord, error) {
	query := fmt.Sprintf(`SELECT r.address, r.switched_at, r.target_url, r.target_account
		FROM %[1]s r
		JOIN (SELECT address, MAX(switched_at) AS latest FROM %[1]s GROUP BY address) l
			ON r.address = l.address AND r.switched_at = l.latest
		ORDER BY r.address, r.id DESC`, quoteIdent(switchRecordsTable))
	records, err := s.querySwitchRecords(ctx, query)
	if err != nil {
		return nil, err
	}
	// identical timestamps keep the newest row
	out := records[:0]
	for i, rec := range records {
		if i > 0 && records[i-1].Address == rec.Address {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SwitchHistory returns switches for addr (all devices when empty), newest first.
func (s *Store) SwitchHistory(ctx context.Context, addr string, limit int) ([]miner.SwitchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	addr = strings.TrimSpace(addr)
	query := fmt.Sprintf(`SELECT address, switched_at, target_url, target_account FROM %s
		WHERE (? = '' OR address = ?) ORDER BY switched_at DESC, id DESC LIMIT ?`, quoteIdent(switchRecordsTable))
	return s.querySwitchRecords(ctx, query, addr, addr, limit)
}

func (s *Store) querySwitchRecords(ctx context.Context, query string, args ...any) ([]miner.SwitchRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query switch records failed")
	}
	defer rows.Close()
	var out []miner.SwitchRecord
	for rows.Next() {
		var (
			rec        miner.SwitchRecord
			switchedAt int64
		)
		if err := rows.Scan(&rec.Address, &switchedAt, &rec.Target.URL, &rec.Target.Account); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan switch record failed")
		}
		rec.SwitchedAt = fromMillis(switchedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate switch records failed")
	}
	return out, nil
}
