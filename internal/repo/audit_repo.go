package repo

import (
	"context"
	"database/sql"
	"time"
)

// Run — одна запись истории генерации.
type Run struct {
	ID          string
	TS          time.Time
	Actor       string
	Env         string
	RulesTotal  int
	RulesActive int
	Chains      int
	Warnings    int
	Output      string
	Status      string
}

type AuditRepo struct{ DB *sql.DB }

func (r AuditRepo) Write(ctx context.Context, rec Run) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO run_audit(id,ts,actor,env,rules_total,rules_active,chains,warnings,output,status)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TS.Unix(), rec.Actor, rec.Env,
		rec.RulesTotal, rec.RulesActive, rec.Chains, rec.Warnings, rec.Output, rec.Status)
	return err
}

func (r AuditRepo) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,actor,env,rules_total,rules_active,chains,warnings,output,status
		 FROM run_audit ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var rec Run
		var ts int64
		if err := rows.Scan(&rec.ID, &ts, &rec.Actor, &rec.Env,
			&rec.RulesTotal, &rec.RulesActive, &rec.Chains, &rec.Warnings, &rec.Output, &rec.Status); err != nil {
			return nil, err
		}
		rec.TS = time.Unix(ts, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}
