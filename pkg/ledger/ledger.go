// Package ledger implements the per-project usage ledger (C3): a hashed
// key-value namespace tracking balance/used/encumbered service-unit counters,
// backed by Redis in production. Connection failures are logged and
// swallowed by default (spec'd as an availability-over-accounting trade-off)
// unless Strict mode is enabled, in which case they block admission.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
)

const (
	fieldBalance    = "balance"
	fieldUsed       = "used"
	fieldEncumbered = "encumbered"
)

// admitScript atomically reads balance/encumbered and, if there's enough
// headroom, increments encumbered by the requested amount. It returns 1 on
// admission, 0 on denial.
var admitScript = redis.NewScript(`
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance')) or 0
local encumbered = tonumber(redis.call('HGET', KEYS[1], 'encumbered')) or 0
local requested = tonumber(ARGV[1])
if balance - encumbered - requested < 0 then
  return 0
end
redis.call('HINCRBYFLOAT', KEYS[1], 'encumbered', requested)
return 1
`)

// Ledger tracks per-project service-unit usage in Redis.
type Ledger struct {
	rdb     *redis.Client
	logger  *slog.Logger
	strict  bool
	deflt   float64
	keyFunc func(project string) string
}

// New creates a Ledger. defaultAllocated seeds the balance of a project seen
// for the first time. When strict is true, a Redis connection failure
// blocks the operation instead of being swallowed (§9 Open Question).
func New(rdb *redis.Client, logger *slog.Logger, defaultAllocated float64, strict bool) *Ledger {
	return &Ledger{
		rdb:    rdb,
		logger: logger,
		strict: strict,
		deflt:  defaultAllocated,
		keyFunc: func(project string) string {
			return fmt.Sprintf("leasekeeper:usage:%s", project)
		},
	}
}

// Init ensures the three counters exist for project, seeding balance from
// the configured default when absent and used/encumbered at 0.
func (l *Ledger) Init(ctx context.Context, project string) error {
	key := l.keyFunc(project)
	return l.guard(func() error {
		pipe := l.rdb.TxPipeline()
		pipe.HSetNX(ctx, key, fieldBalance, l.deflt)
		pipe.HSetNX(ctx, key, fieldUsed, 0)
		pipe.HSetNX(ctx, key, fieldEncumbered, 0)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Admit checks whether requestedSU fits within the project's remaining
// budget (balance - encumbered) and, if so, atomically reserves it by
// incrementing encumbered. user, if non-empty, is checked against the
// per-user exception list before the budget check runs. On a Redis failure,
// Admit succeeds (lenient) or fails with apperror.KindNotAuthorized
// (strict), per l.strict.
func (l *Ledger) Admit(ctx context.Context, project, user string, requestedSU float64) error {
	if err := l.Init(ctx, project); err != nil {
		return err
	}

	if user != "" {
		if ok, err := l.hasException(ctx, user); err != nil {
			if l.strict {
				return apperror.Wrap(apperror.KindNotAuthorized, "usage ledger unavailable", err)
			}
			l.logger.Error("usage ledger unavailable, bypassing admission check", "project", project, "error", err)
			return nil
		} else if ok {
			return nil
		}
	}

	key := l.keyFunc(project)
	admitted, err := admitScript.Run(ctx, l.rdb, []string{key}, requestedSU).Int()
	if err != nil {
		if l.strict {
			return apperror.Wrap(apperror.KindNotAuthorized, "usage ledger unavailable", err)
		}
		l.logger.Error("usage ledger unavailable, bypassing admission check", "project", project, "error", err)
		return nil
	}

	if admitted == 0 {
		return apperror.New(apperror.KindNotAuthorized, fmt.Sprintf("project %s has insufficient service-unit balance for %.2f SU", project, requestedSU))
	}
	return nil
}

// Adjust increments encumbered by a signed delta — used when a lease update
// or termination changes the committed SU total after admission already ran.
func (l *Ledger) Adjust(ctx context.Context, project string, deltaSU float64) error {
	return l.guard(func() error {
		key := l.keyFunc(project)
		return l.rdb.HIncrByFloat(ctx, key, fieldEncumbered, deltaSU).Err()
	})
}

// MarkUsed moves SUs from encumbered into used, called when a reservation
// transitions from pending to actively consuming resources.
func (l *Ledger) MarkUsed(ctx context.Context, project string, su float64) error {
	return l.guard(func() error {
		key := l.keyFunc(project)
		pipe := l.rdb.TxPipeline()
		pipe.HIncrByFloat(ctx, key, fieldEncumbered, -su)
		pipe.HIncrByFloat(ctx, key, fieldUsed, su)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// SetException marks user as exempt from admission checks.
func (l *Ledger) SetException(ctx context.Context, user string) error {
	return l.guard(func() error {
		return l.rdb.SAdd(ctx, "leasekeeper:usage:user_exceptions", user).Err()
	})
}

// ClearException removes a per-user override flag.
func (l *Ledger) ClearException(ctx context.Context, user string) error {
	return l.guard(func() error {
		return l.rdb.SRem(ctx, "leasekeeper:usage:user_exceptions", user).Err()
	})
}

func (l *Ledger) hasException(ctx context.Context, user string) (bool, error) {
	return l.rdb.SIsMember(ctx, "leasekeeper:usage:user_exceptions", user).Result()
}

// guard runs fn and, on a Redis connection error, either swallows it
// (lenient, the default) or propagates it (strict).
func (l *Ledger) guard(fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if l.strict {
		return apperror.Wrap(apperror.KindNotAuthorized, "usage ledger unavailable", err)
	}
	l.logger.Error("usage ledger operation failed, continuing without enforcement", "error", err)
	return nil
}
