package distributed

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"guffrelay/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepPollInterval = 50 * time.Millisecond

// InstancePurger drops waiting entries owned by an instance.
type InstancePurger interface {
	PurgeInstance(ctx context.Context, instanceID string) (int, error)
}

// InstanceRegistry tracks which relay instances are alive. Each instance
// refreshes a heartbeat key; an instance whose key has expired crashed
// without cleaning up, and its waiting entries point at connections that no
// longer exist. One instance at a time sweeps those entries out of the pool.
//
// A live instance whose heartbeat lapsed may have been swept too. It notices
// on its next heartbeat and calls the recovery handler so its still-waiting
// connections can be put back.
type InstanceRegistry struct {
	client      *redis.Client
	instanceID  string
	prefix      string
	ttl         time.Duration
	interval    time.Duration
	purger      InstancePurger
	lockManager *distributed.LockManager
	logger      *zap.SugaredLogger

	registered atomic.Bool
	recovering atomic.Bool
	onRecover  func(ctx context.Context)
}

func NewInstanceRegistry(
	client *redis.Client,
	instanceID string,
	prefix string,
	interval time.Duration,
	ttl time.Duration,
	purger InstancePurger,
	logger *zap.SugaredLogger,
) *InstanceRegistry {
	return &InstanceRegistry{
		client:      client,
		instanceID:  instanceID,
		prefix:      prefix,
		ttl:         ttl,
		interval:    interval,
		purger:      purger,
		lockManager: distributed.NewLockManager(client, prefix+"lock:"),
		logger:      logger,
	}
}

func (r *InstanceRegistry) instancesKey() string {
	return r.prefix + "instances"
}

func (r *InstanceRegistry) heartbeatKey(instanceID string) string {
	return r.prefix + "instance:" + instanceID
}

// OnRecover sets the handler run after a heartbeat finds that the previous
// one had expired. It must be set before Run.
func (r *InstanceRegistry) OnRecover(fn func(ctx context.Context)) {
	r.onRecover = fn
}

// Heartbeat marks this instance alive for one TTL. If an earlier heartbeat
// had already expired, it waits out any sweep in progress and then runs the
// recovery handler.
func (r *InstanceRegistry) Heartbeat(ctx context.Context) error {
	var existed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		existed = pipe.Exists(ctx, r.heartbeatKey(r.instanceID))
		pipe.Set(ctx, r.heartbeatKey(r.instanceID), strconv.FormatInt(time.Now().Unix(), 10), r.ttl)
		pipe.SAdd(ctx, r.instancesKey(), r.instanceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	if r.registered.Swap(true) && existed.Val() == 0 {
		r.logger.Warnw("Heartbeat had lapsed, recovering waiting connections")
		r.recovering.Store(true)
	}
	if !r.recovering.Load() {
		return nil
	}

	// Retried on the next heartbeat if interrupted.
	if err := r.waitForSweep(ctx); err != nil {
		return err
	}
	if r.onRecover != nil {
		r.onRecover(ctx)
	}
	r.recovering.Store(false)
	return nil
}

// waitForSweep returns once no sweep holds the lock. A sweep that starts
// after the heartbeat above sees this instance alive, so only one already
// running can still purge its entries.
func (r *InstanceRegistry) waitForSweep(ctx context.Context) error {
	lock := r.lockManager.AcquireLock("sweep", r.ttl)
	ticker := time.NewTicker(sweepPollInterval)
	defer ticker.Stop()

	for {
		locked, err := lock.IsLocked(ctx)
		if err != nil {
			return fmt.Errorf("failed to check sweep lock: %w", err)
		}
		if !locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LiveInstances returns the registered instances whose heartbeat has not
// expired.
func (r *InstanceRegistry) LiveInstances(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.instancesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	var live []string
	for _, id := range ids {
		n, err := r.client.Exists(ctx, r.heartbeatKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check instance %s: %w", id, err)
		}
		if n > 0 {
			live = append(live, id)
		}
	}
	return live, nil
}

// CheckAlive fails when this instance's heartbeat has lapsed, meaning peers
// may already have purged its waiting entries.
func (r *InstanceRegistry) CheckAlive(ctx context.Context) error {
	live, err := r.LiveInstances(ctx)
	if err != nil {
		return err
	}
	for _, id := range live {
		if id == r.instanceID {
			return nil
		}
	}
	return fmt.Errorf("instance %s has no live heartbeat", r.instanceID)
}

// Sweep purges the waiting entries of every dead instance and forgets it. It
// returns the number of entries purged, or zero if another instance holds the
// sweep lock.
func (r *InstanceRegistry) Sweep(ctx context.Context) (int, error) {
	lock := r.lockManager.AcquireLock("sweep", r.ttl)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer lock.Unlock(ctx)

	ids, err := r.client.SMembers(ctx, r.instancesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	total := 0
	for _, id := range ids {
		n, err := r.client.Exists(ctx, r.heartbeatKey(id)).Result()
		if err != nil {
			return total, fmt.Errorf("failed to check instance %s: %w", id, err)
		}
		if n > 0 {
			continue
		}

		purged, err := r.purger.PurgeInstance(ctx, id)
		if err != nil {
			return total, fmt.Errorf("failed to purge instance %s: %w", id, err)
		}
		r.client.SRem(ctx, r.instancesKey(), id)
		total += purged

		r.logger.Infow("Swept dead instance", "instance", id, "purged", purged)
	}
	return total, nil
}

// Deregister removes this instance and its waiting entries, for use on
// shutdown.
func (r *InstanceRegistry) Deregister(ctx context.Context) error {
	if _, err := r.purger.PurgeInstance(ctx, r.instanceID); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.heartbeatKey(r.instanceID))
		pipe.SRem(ctx, r.instancesKey(), r.instanceID)
		return nil
	})
	return err
}

// Run heartbeats and sweeps every interval until ctx is done.
func (r *InstanceRegistry) Run(ctx context.Context) error {
	if err := r.Heartbeat(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.Warnw("Heartbeat failed", "error", err)
				continue
			}
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warnw("Sweep failed", "error", err)
			}
		}
	}
}
