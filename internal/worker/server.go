package worker

import (
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/videofoundry/api/internal/logging"
)

// NewServer creates the asynq server that runs engine steps.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logLevel string, log zerolog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      Queues(),
		Logger:      logging.NewAsynqLogger(log),
		LogLevel:    logging.AsynqLevel(logLevel),
	})
}
