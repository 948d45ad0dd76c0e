package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/wftrace/wftrace/internal/loader"
	"github.com/wftrace/wftrace/internal/publish"
	"github.com/wftrace/wftrace/internal/tracker"
	"github.com/wftrace/wftrace/pkg/events"
)

var (
	ingestInput         string
	ingestBatch         bool
	ingestFlushEvery    int
	ingestFlushInterval time.Duration
	ingestMaxQueued     int
	ingestMaxRetries    int
	ingestOutputCeiling int
	ingestStatusAddr    string
	ingestRedisAddr     string
	ingestRedisPassword string
	ingestRedisDB       int
	ingestNATSURL       string
)

// ingestStats is read by the status endpoint while the ingest loop writes
// it, so the counters are atomics.
type ingestStats struct {
	processed atomic.Int64
	skipped   atomic.Int64
	started   time.Time
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a workflow tracking event stream",
	Long: `Reads tracking-log lines (key=value pairs, one event per line) from a
file or stdin, folds job lifecycle and wrapper output into the stream, and
loads the result into the database.`,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVarP(&ingestInput, "input", "i", "-", "Tracking log to read ('-' for stdin)")
	f.BoolVar(&ingestBatch, "batch", true, "Batch writes instead of committing per event")
	f.IntVar(&ingestFlushEvery, "flush-every", 1000, "Events between batch flushes")
	f.DurationVar(&ingestFlushInterval, "flush-interval", 30*time.Second, "Wall-clock flush interval")
	f.IntVar(&ingestMaxQueued, "max-queued", 100000, "Hard cap on queued rows (0 disables)")
	f.IntVar(&ingestMaxRetries, "max-retries", 10, "Retry ceiling for connection failures")
	f.IntVar(&ingestOutputCeiling, "output-ceiling", 0, "Captured task output byte ceiling (0 for default)")
	f.StringVar(&ingestStatusAddr, "status-addr", "", "Address for the /health and /stats endpoint (empty disables)")
	f.StringVar(&ingestRedisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "Redis address for the event side-channel (empty disables)")
	f.StringVar(&ingestRedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	f.IntVar(&ingestRedisDB, "redis-db", 0, "Redis database")
	f.StringVar(&ingestNATSURL, "nats-url", os.Getenv("NATS_URL"), "NATS server URL for the event side-channel (empty disables)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	input, closeInput, err := openInput(ingestInput)
	if err != nil {
		return err
	}
	defer closeInput()

	ld, err := loader.New(loader.Config{
		Batch:         ingestBatch,
		FlushEvery:    ingestFlushEvery,
		FlushInterval: ingestFlushInterval,
		MaxQueued:     ingestMaxQueued,
		MaxRetries:    ingestMaxRetries,
	}, dbConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := ld.Close(); err != nil {
			logger.Errorf("Loader close: %v", err)
		}
	}()

	pub, err := buildPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	tr := tracker.New(tracker.Config{OutputCeiling: ingestOutputCeiling}, ld, pub)

	stats := &ingestStats{started: time.Now()}
	if ingestStatusAddr != "" {
		go serveStatus(ingestStatusAddr, stats)
	}

	c := cron.New()
	c.AddFunc("@every 1m", func() {
		logger.Infof("Ingest progress: processed=%d skipped=%d uptime=%s",
			stats.processed.Load(), stats.skipped.Load(),
			time.Since(stats.started).Round(time.Second))
	})
	c.Start()
	defer c.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case sig := <-stop:
			logger.Infof("Received %s, flushing and shutting down", sig)
			return ld.Flush()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		e, err := events.DecodeLine(line)
		if err != nil {
			logger.Warnf("Skipping undecodable line: %v", err)
			stats.skipped.Add(1)
			continue
		}
		if err := tr.Track(e); err != nil {
			return fmt.Errorf("ingest aborted at event %s: %w", e.Name, err)
		}
		stats.processed.Add(1)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", ingestInput, err)
	}

	logger.Infof("Ingest finished: processed=%d skipped=%d", stats.processed.Load(), stats.skipped.Load())
	return ld.Flush()
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func buildPublisher() (publish.Publisher, error) {
	var pubs []publish.Publisher
	if ingestRedisAddr != "" {
		p, err := publish.NewRedisPublisher(ingestRedisAddr, ingestRedisPassword, ingestRedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis side-channel: %w", err)
		}
		pubs = append(pubs, p)
	}
	if ingestNATSURL != "" {
		p, err := publish.NewNATSPublisher(ingestNATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats side-channel: %w", err)
		}
		pubs = append(pubs, p)
	}

	switch len(pubs) {
	case 0:
		return publish.NopPublisher{}, nil
	case 1:
		return pubs[0], nil
	default:
		return publish.NewMultiPublisher(pubs...), nil
	}
}

func serveStatus(addr string, stats *ingestStats) {
	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": version,
		})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"processed":      stats.processed.Load(),
			"skipped":        stats.skipped.Load(),
			"uptime_seconds": int(time.Since(stats.started).Seconds()),
		})
	})

	logger.Infof("Status endpoint listening on %s", addr)
	if err := router.Run(addr); err != nil {
		logger.Errorf("Status endpoint: %v", err)
	}
}
