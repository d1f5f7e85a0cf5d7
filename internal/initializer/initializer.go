package initializer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
	"github.com/aiatrade/pricestream/internal/connector"
	"github.com/aiatrade/pricestream/internal/control"
	"github.com/aiatrade/pricestream/internal/metrics"
	"github.com/aiatrade/pricestream/internal/movement"
	"github.com/aiatrade/pricestream/internal/storage"
	"github.com/aiatrade/pricestream/internal/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/sync/errgroup"
)

// Start will initialize various required systems and then execute the app.
func Start(mainCtx context.Context, cfg *config.Config, creds config.Credentials) error {

	// Setting up logger.
	// If the path given in the config for logging ends with .log then create a log file with the same name and
	// write log messages to it. Otherwise, create a new log file with a timestamp attached to it's name in the given path.
	var (
		logFile *os.File
		err     error
	)
	if strings.HasSuffix(cfg.Log.FilePath, ".log") {
		logFile, err = os.OpenFile(cfg.Log.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return fmt.Errorf("not able to open or create log file: %v", cfg.Log.FilePath)
		}
	} else {
		logFile, err = os.Create(cfg.Log.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log")
		if err != nil {
			return fmt.Errorf("not able to create log file: %v", cfg.Log.FilePath+"_"+strconv.Itoa(int(time.Now().Unix()))+".log")
		}
	}
	defer logFile.Close()

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Log.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	fileLogger := zerolog.New(logFile).With().Timestamp().Logger()
	log.Logger = fileLogger
	log.Info().Msg("logger setup is done")

	// Establish connections to the configured storage systems and the REST
	// connector.
	var (
		redisStr *storage.Redis
		terStr   *storage.Terminal
	)
	for _, str := range cfg.Storages {
		switch str {
		case "redis":
			if redisStr == nil {
				redisStr, err = storage.InitRedis(&cfg.Connection.Redis, &cfg.TTL)
				if err != nil {
					err = errors.Wrap(err, "redis connection")
					log.Error().Stack().Err(errors.WithStack(err)).Msg("")
					return err
				}
				log.Info().Msg("redis connected")
			}
		case "terminal":
			if terStr == nil {
				terStr = storage.InitTerminal(os.Stdout)
				log.Info().Msg("terminal connected")
			}
		}
	}
	_ = connector.InitREST(&cfg.Connection.REST)

	if cfg.Connection.Redis.PurgeOnStart {
		deleted, err := redisStr.PurgePrices(mainCtx)
		if err != nil {
			err = errors.Wrap(err, "price data purge")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		log.Info().Int64("deleted", deleted).Msg("old price data purged")
	}

	tracker := movement.NewTracker(cfg.Movement.Rows, cfg.Movement.Compare)
	source := stream.NewOandaSource(creds, &cfg.Connection)
	streamer := stream.NewStreamer(source, tracker, cfg.Instruments, &cfg.Retry, &cfg.Connection.Stream)
	if redisStr != nil {
		streamer.AddSink(redisStr, stream.SinkOptions{
			CommitBuf:     cfg.Connection.Redis.PriceCommitBuf,
			FlushInterval: time.Duration(cfg.Connection.Redis.FlushIntervalMS) * time.Millisecond,
			WriteRetries:  cfg.Connection.Redis.WriteRetries,
			WriteRetryGap: time.Duration(cfg.Connection.Redis.WriteRetryGapMS) * time.Millisecond,
		})
	}
	if terStr != nil {
		streamer.AddSink(terStr, stream.SinkOptions{
			CommitBuf: cfg.Connection.Terminal.PriceCommitBuf,
		})
	}

	// Start the streamer, the control listener, the index sweeper and the
	// metrics endpoint. If any of them fails, force all the others to stop
	// and exit the app.
	appErrGroup, appCtx := errgroup.WithContext(mainCtx)

	appErrGroup.Go(func() error {
		return streamer.Run(appCtx)
	})
	appErrGroup.Go(func() error {
		return control.NewListener(redisStr, streamer, &cfg.Control).Run(appCtx)
	})
	appErrGroup.Go(func() error {
		return sweepIndex(appCtx, redisStr, cfg.Connection.Redis.SweepIntervalSec)
	})
	if cfg.Metrics.Addr != "" {
		appErrGroup.Go(func() error {
			return metrics.Serve(appCtx, cfg.Metrics.Addr)
		})
	}

	err = appErrGroup.Wait()
	if err != nil {
		log.Error().Msg("exiting the app")
		return err
	}
	return nil
}

// sweepIndex periodically prunes stale members from the price index so
// instruments which stopped ticking disappear from it once their records
// expire. Sweep errors are logged, not fatal.
func sweepIndex(ctx context.Context, redisStr *storage.Redis, intervalSec int) error {
	tick := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			removed, err := redisStr.SweepIndex(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().Stack().Err(errors.WithStack(err)).Msg("")
				continue
			}
			if removed > 0 {
				metrics.IndexSwept.Add(float64(removed))
				log.Info().Int64("removed", removed).Msg("price index swept")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
