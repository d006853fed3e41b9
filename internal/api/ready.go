package api

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// Checker reports whether a dependency can serve requests.
type Checker func(ctx context.Context) error

// RedisChecker pings the broker the asynq dispatcher writes to.
func RedisChecker(client *redis.Client) Checker {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.readiness))
	for name, check := range s.readiness {
		if err := check(ctx); err != nil {
			s.logger.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "unavailable"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
