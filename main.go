package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/hibiken/asynq"
	"github.com/jjbrunton/Sauci-sub000/apiroutes"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/queue"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/services"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

func initRedisRateLimiter(conf global.Config) *redis.Client {
	redisRateLimitClient := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Host + ":" + strconv.Itoa(conf.Redis.Port),
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       1,
	})

	// clears stale rate limit counters from previous runs, ignoring errors
	rCtx, rCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer rCancel()

	_ = redisRateLimitClient.FlushDB(rCtx).Err()

	limiter := redis_rate.NewLimiter(redisRateLimitClient)
	global.RateLimiter = limiter

	return redisRateLimitClient
}

// calculates the retry delay using exponential backoff
func asyncRetryDelayFunc(attempt int, err error, t *asynq.Task) time.Duration {
	baseDelay := 1 * time.Minute
	maxDelay := 60 * time.Minute

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// initalizes the async queue
func initAsyncQueue(dbSelector *repository.CouchDBSelector, env *types.Environment, keyStore *services.KeyStoreService) (*asynq.Server, *asynq.Client) {
	queueRedisClient := asynq.RedisClientOpt{
		Addr:     global.Conf.Redis.Host + ":" + strconv.Itoa(global.Conf.Redis.Port),
		Username: global.Conf.Redis.Username,
		Password: global.Conf.Redis.Password,
		DB:       2,
	}

	logLevel := asynq.InfoLevel
	if global.Conf.Mode != "debug" {
		logLevel = asynq.WarnLevel
	}
	concurrency := 50
	if global.Conf.Queue.Concurrency > 0 {
		concurrency = global.Conf.Queue.Concurrency
	}

	taskClient := asynq.NewClient(queueRedisClient)
	// start a task queue server
	taskServer := asynq.NewServer(
		queueRedisClient,
		asynq.Config{
			Concurrency:    concurrency,
			LogLevel:       logLevel,
			RetryDelayFunc: asyncRetryDelayFunc,
		},
	)

	taskService := queue.NewMessageQueue(dbSelector, env, keyStore)
	// start a task processing server
	mux := asynq.NewServeMux()
	mux.HandleFunc(types.QueueTypeRewrapRotation, taskService.ProcessRewrapTask)
	mux.HandleFunc(types.QueueTypeRewrapSweep, taskService.ProcessRewrapTask)

	if err := taskServer.Start(mux); err != nil {
		log.Fatalf("could not start server: %v", err)
	}
	return taskServer, taskClient
}

// scheduleRewrapSweep periodically enqueues a sweep over the owner's stale
// envelopes, catching any rotation task that failed or was never enqueued.
func scheduleRewrapSweep(env *types.Environment) {
	enqueue := func() {
		task, tErr := types.NewRewrapSweepTask(&types.RewrapTask{
			AccountID: global.Conf.E2EE.OwnerAccountID,
		})
		if tErr != nil {
			global.Logger.Log("error", "failed to create sweep task", "error", tErr.Error())
			return
		}
		if _, qErr := env.TaskClient.Enqueue(task); qErr != nil {
			global.Logger.Log("error", "failed to enqueue sweep task", "error", qErr.Error())
		}
	}
	env.Cron.AddFunc(global.Conf.E2EE.RewrapSweepCron, enqueue)
	env.Cron.Start()
}

func main() {
	var (
		configFile string
	)
	// configuration file optional path. Default: current dir with filename conf.yaml
	flag.StringVar(&configFile, "c", "conf.yaml", "Configuration file path.")
	flag.StringVar(&configFile, "config", "conf.yaml", "Configuration file path.")
	flag.Usage = usage
	flag.Parse()

	// loading configuration file
	err := global.LoadConfig(configFile)
	if err != nil {
		global.Logger.Log(err, "conf.yaml failed to load")
		panic("Failed to load conf.yaml")
	}

	rrClient := initRedisRateLimiter(global.Conf)
	defer rrClient.Close()

	env := types.NewEnvironment(rrClient)
	defer env.Cron.Stop()

	// server wait to shutdown monitoring channels
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	stop := make(chan os.Signal, 1)

	signal.Notify(quit, os.Interrupt)
	signal.Notify(stop, os.Interrupt)

	router := apiroutes.NewAPIRouter()

	dbSelector := ConfigDBSelector()
	ConfigDBIndexing(dbSelector.(*repository.CouchDBSelector))

	// configure S3 storage
	ConfigS3Storage(&global.Conf, env)

	// key directory and local key store for the owner account
	keyDirectory := services.NewKeyDirectoryService(dbSelector, env)
	keyStore := ConfigKeyStore(&global.Conf, keyDirectory)

	// initialize the async queue
	taskServer, taskClient := initAsyncQueue(dbSelector.(*repository.CouchDBSelector), env, keyStore)
	defer taskClient.Close()
	env.TaskClient = taskClient

	scheduleRewrapSweep(env)

	// configure routes
	router = apiroutes.ConfigRoutes(router, dbSelector, keyStore, keyDirectory, env)

	// load or generate the local key pair without blocking startup
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*60)
		defer cancel()
		if _, kErr := keyStore.EnsureKeyPair(ctx); kErr != nil {
			global.Logger.Log("error", "failed to initialize key pair", "error", kErr.Error())
		}
	}()

	// start server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", global.Conf.Port),
		Handler: router,
	}

	// wait for server shutdown
	go func() {
		<-quit
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if sErr := srv.Shutdown(ctx); sErr != nil {
			global.Logger.Log("error", "failed to gracefully shut down server", "error", sErr.Error())
		}
		close(done)
	}()

	// stop the async queue server
	go func() {
		for {
			s := <-stop
			fmt.Printf("shutting down task queue server")
			if s == unix.SIGTSTP {
				taskServer.Stop() // Stop processing new tasks
				continue
			}
			break
		}
		taskServer.Shutdown()
	}()

	global.Logger.Log("Server is ready to handle requests at", global.Conf.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("%v\n", err))
	}

	<-done

}

// usage will print out the flag options for the server.
func usage() {
	usageStr := `Usage: operator [options]
	Server Options:
	-c, --config <file>              Configuration file path
`
	fmt.Printf("%s\n", usageStr)
	os.Exit(0)
}
