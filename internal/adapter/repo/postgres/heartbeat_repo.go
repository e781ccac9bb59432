package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// HeartbeatRepo persists the single worker liveness row per host.
// Writes are plain upserts outside any job transaction, so they never
// block a status CAS.
type HeartbeatRepo struct{ Pool PgxPool }

// NewHeartbeatRepo constructs a HeartbeatRepo with the given pool.
func NewHeartbeatRepo(p PgxPool) *HeartbeatRepo { return &HeartbeatRepo{Pool: p} }

// Upsert writes the heartbeat row for the host.
func (r *HeartbeatRepo) Upsert(ctx domain.Context, hb domain.WorkerHeartbeat) error {
	_, err := r.Pool.Exec(ctx, `INSERT INTO worker_heartbeats
		(host_id, status, current_job_id, loaded_model, gpu_memory_percent, gpu_temperature_c, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (host_id) DO UPDATE SET
		  status=EXCLUDED.status,
		  current_job_id=EXCLUDED.current_job_id,
		  loaded_model=EXCLUDED.loaded_model,
		  gpu_memory_percent=EXCLUDED.gpu_memory_percent,
		  gpu_temperature_c=EXCLUDED.gpu_temperature_c,
		  last_seen=GREATEST(worker_heartbeats.last_seen, EXCLUDED.last_seen)`,
		hb.HostID, hb.Status, hb.CurrentJobID, hb.LoadedModel, hb.GPUMemoryPercent, hb.GPUTemperatureC, hb.LastSeen)
	if err != nil {
		return fmt.Errorf("op=heartbeat.upsert: %w", err)
	}
	return nil
}

// Get loads the heartbeat row for a host.
func (r *HeartbeatRepo) Get(ctx domain.Context, hostID string) (domain.WorkerHeartbeat, error) {
	row := r.Pool.QueryRow(ctx, `SELECT host_id, status, current_job_id, loaded_model,
		gpu_memory_percent, gpu_temperature_c, last_seen
		FROM worker_heartbeats WHERE host_id=$1`, hostID)
	hb, err := scanHeartbeat(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WorkerHeartbeat{}, fmt.Errorf("op=heartbeat.get: %w", domain.ErrNotFound)
		}
		return domain.WorkerHeartbeat{}, fmt.Errorf("op=heartbeat.get: %w", err)
	}
	return hb, nil
}

// Latest returns the most recently seen heartbeat across hosts.
func (r *HeartbeatRepo) Latest(ctx domain.Context) (domain.WorkerHeartbeat, error) {
	row := r.Pool.QueryRow(ctx, `SELECT host_id, status, current_job_id, loaded_model,
		gpu_memory_percent, gpu_temperature_c, last_seen
		FROM worker_heartbeats ORDER BY last_seen DESC LIMIT 1`)
	hb, err := scanHeartbeat(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WorkerHeartbeat{}, fmt.Errorf("op=heartbeat.latest: %w", domain.ErrNotFound)
		}
		return domain.WorkerHeartbeat{}, fmt.Errorf("op=heartbeat.latest: %w", err)
	}
	return hb, nil
}

func scanHeartbeat(row pgx.Row) (domain.WorkerHeartbeat, error) {
	var hb domain.WorkerHeartbeat
	err := row.Scan(&hb.HostID, &hb.Status, &hb.CurrentJobID, &hb.LoadedModel,
		&hb.GPUMemoryPercent, &hb.GPUTemperatureC, &hb.LastSeen)
	if err != nil {
		return domain.WorkerHeartbeat{}, err
	}
	return hb, nil
}
