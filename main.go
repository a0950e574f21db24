package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/blobstore"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/breaker"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/classifier"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/config"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/database"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/duplicates"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/geoindex"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/handlers"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/metrics"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/pipeline"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/rabbitmq"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/statemachine"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	if cfg.ClassifierURL == "" {
		log.Fatal("CLASSIFIER_URL environment variable is required")
	}
	if cfg.BlobStoreURL == "" {
		log.Fatal("BLOB_STORE_URL environment variable is required")
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ensure database schema: %v", err)
	}
	cancel()

	metrics.Register()

	clock := models.SystemClock{}
	breakers := breaker.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, clock)

	classifierClient := classifier.NewClient(
		cfg.ClassifierURL,
		cfg.ClassifierAPIKey,
		breakers.Get(classifier.ServiceName),
		cfg.ClassifierTimeout,
		cfg.MaxRetries,
		cfg.BackoffBaseDelay,
		cfg.BackoffMaxDelay,
	)

	blobs := blobstore.NewClient(cfg.BlobStoreURL, cfg.BlobFetchTimeout)
	detector := duplicates.New(geoindex.New(db), cfg.DuplicateRadiusMeters, cfg.HashThreshold)
	machine := statemachine.New(db, clock)

	var publisher pipeline.Publisher
	var amqpPublisher *rabbitmq.Publisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err = rabbitmq.NewPublisher(cfg.AMQPURL, cfg.RabbitMQExchange, cfg.OutcomeRoutingKey)
		if err != nil {
			log.Fatalf("Failed to initialize RabbitMQ publisher: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	} else {
		log.Warn("AMQP_URL not set, outcome events will not be published")
	}

	pipe := pipeline.New(db, blobs, classifierClient, detector, machine, publisher, clock, cfg.Workers)
	pipe.Start()

	var subscriber *rabbitmq.Subscriber
	if cfg.AMQPURL != "" {
		subscriber, err = rabbitmq.NewSubscriber(cfg.AMQPURL, cfg.RabbitMQExchange, cfg.RabbitMQQueue, cfg.Workers, cfg.PrefetchCount)
		if err != nil {
			log.Fatalf("Failed to initialize RabbitMQ subscriber: %v", err)
		}
		defer subscriber.Close()

		callbacks := map[string]rabbitmq.CallbackFunc{
			cfg.SubmittedRoutingKey: submittedCallback(pipe),
		}
		if err := subscriber.Start(callbacks); err != nil {
			log.Fatalf("Failed to start RabbitMQ subscriber: %v", err)
		}
	}

	go exportBreakerStates(breakers)

	h := handlers.NewHandlers(db, pipe, machine, breakers)

	router := gin.Default()
	h.SetupRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	if subscriber != nil {
		_ = subscriber.Close()
	}
	pipe.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}

// submittedCallback routes submitted-report messages into the pipeline. A
// body that does not parse is dropped; a failed run is requeued unless the
// report no longer exists.
func submittedCallback(pipe *pipeline.Pipeline) rabbitmq.CallbackFunc {
	return func(msg *rabbitmq.Message) error {
		var payload rabbitmq.SubmittedMessage
		if err := msg.UnmarshalTo(&payload); err != nil {
			return rabbitmq.Permanent(err)
		}
		if payload.ReportID == "" {
			return rabbitmq.Permanent(errors.New("message has no report_id"))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := pipe.Run(ctx, payload.ReportID); err != nil {
			if errors.Is(err, models.ErrReportNotFound) {
				return rabbitmq.Permanent(err)
			}
			return err
		}
		return nil
	}
}

// exportBreakerStates mirrors breaker states into the gauge so operators can
// alert on a stuck-open classifier.
func exportBreakerStates(breakers *breaker.Registry) {
	values := map[string]float64{"closed": 0, "open": 1, "half_open": 2}
	for range time.Tick(15 * time.Second) {
		for name, state := range breakers.States() {
			metrics.BreakerState.WithLabelValues(name).Set(values[state])
		}
	}
}
