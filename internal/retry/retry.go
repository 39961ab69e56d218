package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lestrrat-go/backoff/v2"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultAttempts = 3
	DefaultMinDelay = 150 * time.Millisecond
)

// Policy retries reads that failed with a transient error.
type Policy struct {
	Attempts int
	MinDelay time.Duration
}

func Default() Policy {
	return Policy{Attempts: DefaultAttempts, MinDelay: DefaultMinDelay}
}

// Do runs fn until it succeeds, returns a non-transient error, or the attempts are used up.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	minDelay := p.MinDelay
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}

	policy := backoff.Exponential(
		backoff.WithMinInterval(minDelay),
		backoff.WithMaxInterval(minDelay*time.Duration(1<<attempts)),
		backoff.WithJitterFactor(0),
		backoff.WithMaxRetries(attempts),
	)
	b := policy.Start(ctx)

	var err error
	for attempt := 1; backoff.Continue(b); attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= attempts {
			return err
		}
		log.Warnf("retry [%s] attempt %d/%d failed: %s", op, attempt, attempts, err)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Do retries fn with the default policy.
func Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return Default().Do(ctx, op, fn)
}

var transientFragments = []string{
	"network",
	"timeout",
	"timed out",
	"connection",
	"conn closed",
	"broken pipe",
	"eof",
	"temporarily unavailable",
	"too many",
	"permission denied",
	"jwt expired",
}

// IsTransient guesses whether err is worth retrying: network errors, connection-class
// Postgres errors, and errors whose message looks like a flaky transport or an expired
// permission.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 40: transaction rollback, 53: insufficient resources,
		// 57P: operator intervention, 42501: insufficient privilege.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40") ||
			strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P") ||
			pgErr.Code == "42501"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, f := range transientFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
