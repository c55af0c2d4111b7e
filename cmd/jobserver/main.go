// Command jobserver runs the cluster's single matchmaker: the central
// accept loop that multiplexes job and worker connections into
// internal/jobserver's matchmaking state machine.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/ccdispatch/internal/acceptor"
	"github.com/smukkama/ccdispatch/internal/audit"
	"github.com/smukkama/ccdispatch/internal/discovery"
	"github.com/smukkama/ccdispatch/internal/jobserver"
	"github.com/smukkama/ccdispatch/internal/karma"
	"github.com/smukkama/ccdispatch/internal/opsalert"
	"github.com/smukkama/ccdispatch/internal/statsfeed"
	"github.com/smukkama/ccdispatch/pkg/config"
)

// splitPort pulls the numeric port out of a "host:port" (or ":port")
// listen address for mDNS advertisement.
func splitPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("parse port in %q: %w", addr, err)
	}
	return host, uint16(port), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("jobserver: load configuration: %v", err)
	}

	fmt.Println("Starting ccdispatch job server...")

	opts := jobserver.Options{
		KarmaWeightingEnabled: cfg.Fabric.KarmaWeightingEnabled,
	}

	if cfg.AuditDB.Host != "" {
		db, err := audit.Connect(cfg.AuditDB.ConnectionString())
		if err != nil {
			log.Printf("jobserver: audit DB unavailable, continuing without it: %v", err)
		} else {
			if err := db.RunMigrations("migrations"); err != nil {
				log.Printf("jobserver: audit migrations: %v", err)
			}
			writer := audit.NewWriter(db, cfg.AuditDB.BatchSize, cfg.AuditDB.FlushInterval)
			defer writer.Stop()
			opts.AuditSink = writer
			fmt.Println("Audit trail connected to Postgres")
		}
	}

	if cfg.StatsCache.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.StatsCache.Addr,
			Password: cfg.StatsCache.Password,
			DB:       cfg.StatsCache.DB,
		})
		opts.KarmaMirror = karma.New(redisClient, cfg.StatsCache.Timeout)
		fmt.Println("Karma mirror connected to Redis")
	}

	if len(cfg.StatsStream.Brokers) > 0 && cfg.StatsStream.Brokers[0] != "" {
		producer := statsfeed.NewProducer(statsfeed.ProducerConfig{
			Brokers:      cfg.StatsStream.Brokers,
			Topic:        cfg.StatsStream.Topic,
			BatchSize:    cfg.StatsStream.BatchSize,
			BatchTimeout: cfg.StatsStream.BatchTimeout,
		})
		defer producer.Close()
		opts.StatsPublisher = producer
		fmt.Println("Stats stream connected to Kafka")
	}

	notifier := opsalert.New(cfg.OpsAlert)
	opts.OpsAlert = notifier
	opts.OnFatal = func(err error) {
		log.Printf("jobserver: terminating self after fatal error: %v", err)
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}

	mm := jobserver.New(opts)
	mm.Start()
	defer mm.Shutdown()

	srv := acceptor.New([]string{cfg.Fabric.JobServerAddr}, mm.HandleConnection)
	if err := srv.Start(); err != nil {
		log.Fatalf("jobserver: start acceptor: %v", err)
	}
	defer srv.Shutdown()
	fmt.Printf("Listening on %s\n", cfg.Fabric.JobServerAddr)

	if cfg.Discovery.Enabled {
		_, port, splitErr := splitPort(cfg.Fabric.JobServerAddr)
		if splitErr != nil {
			log.Printf("jobserver: discovery: %v", splitErr)
		} else {
			adv := discovery.NewAdvertiser(cfg.Discovery.ServiceName, cfg.Discovery.Domain)
			closer, advErr := adv.Advertise(port)
			if advErr != nil {
				log.Printf("jobserver: mDNS advertise failed, continuing without it: %v", advErr)
			} else {
				defer closer.Close()
				fmt.Println("Advertising job server over mDNS")
			}
		}
	}

	fmt.Println("\n✓ ccdispatch job server is running")
	fmt.Println("✓ Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
