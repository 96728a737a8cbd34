package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"bloomers/api"
	"bloomers/classifier"
	"bloomers/storage"
	"bloomers/worker"
)

// runEventsPrefix is the Redis pub/sub channel prefix for run-status events.
const runEventsPrefix = "runs"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	runsTableName := os.Getenv("RUNS_TABLE")
	questionsTableName := os.Getenv("QUESTIONS_TABLE")
	classifyQueueName := os.Getenv("CLASSIFY_QUEUE")
	if connStr == "" || runsTableName == "" || questionsTableName == "" || classifyQueueName == "" {
		log.Fatal("missing storage config")
	}
	runPageSize := 30
	if v := os.Getenv("RUNS_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("invalid RUNS_PAGE_SIZE: %v", err)
		}
		if n <= 0 {
			log.Fatalf("invalid RUNS_PAGE_SIZE: must be greater than zero")
		}
		runPageSize = n
	}
	base, err := storage.New(connStr, runsTableName, questionsTableName, classifyQueueName, runPageSize)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	store := storage.NewCache(base, rc, cacheTTL)

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupeTTL = d
	}
	deduper := api.NewRedisDeduper(rc, dedupeTTL)

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	classifierURL := os.Getenv("CLASSIFIER_URL")
	if classifierURL == "" {
		log.Fatal("missing classifier config")
	}
	var classifierTimeout time.Duration
	if v := os.Getenv("CLASSIFIER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CLASSIFIER_TIMEOUT: %v", err)
		}
		classifierTimeout = d
	}
	predictor := classifier.New(classifierURL, classifierTimeout)

	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "uploads"
	}

	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, classifyQueueName, nil)
	if err != nil {
		log.Fatalf("classify queue: %v", err)
	}
	processor := worker.NewProcessor(store, predictor, rc, runEventsPrefix)
	ctx := context.Background()
	if err := processor.RecoverPending(ctx); err != nil {
		log.Errorf("recover pending runs: %v", err)
	}
	go worker.NewConsumer(queue, processor).Run(ctx)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("bloomers"))
	e.Use(api.GzipRequestMiddleware())
	e.GET("/metrics", echoprometheus.NewHandler())

	logger := log.New()
	api.Register(e, store, auth, deduper, uploadDir, logger)
	e.GET("/api/runs/:id/events", streamRunEvents(rc, auth))

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// redisOptions understands both redis URLs and the comma-separated
// host,password=...,ssl=true format Azure Cache hands out.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
