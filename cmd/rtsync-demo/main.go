package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/event"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/metrics"
	"github.com/mirkobrombin/go-rtsync/v1/msgq"
	"github.com/mirkobrombin/go-rtsync/v1/mutex"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/semaphore"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
	"github.com/mirkobrombin/go-rtsync/v1/wd"
)

var (
	configPath  = flag.String("config", "", "YAML kernel configuration file")
	metricsAddr = flag.String("metrics", ":2112", "Address serving /metrics, empty to disable")
	redisAddr   = flag.String("redis", "", "Redis address claiming public names across processes")
	traces      = flag.Bool("trace", false, "Print operation spans to stdout")
	items       = flag.Int("n", 100, "Readings to produce")
	heartbeat   = flag.Duration("heartbeat", 250*time.Millisecond, "Watchdog heartbeat period")
)

const evStop = event.Ev01

type reading struct {
	Seq   int
	Value float64
	At    time.Time
}

type stats struct {
	mu       *mutex.Mutex
	received int
	sum      float64
	beats    int
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var opts []kernel.Option
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			log.Fatalf("open config: %v", err)
		}
		cfg, err := kernel.LoadConfig(f)
		_ = f.Close()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		opts = append(opts, cfg.Options()...)
	}

	if *traces {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, kernel.WithTracing())
	}

	reg := metrics.NewRegistry()
	opts = append(opts, kernel.WithMetrics(reg))

	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		dir := object.NewRedisDirectory(client)
		opts = append(opts, kernel.WithNamespace(object.NewInMemory(object.WithDirectory(dir))))
	}

	k := kernel.New(opts...)
	defer k.Close()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	if err := run(ctx, k); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, k *kernel.Kernel) error {
	q, err := msgq.OpenQueue[reading](ctx, k, "/readings", object.CreateExclusive, 16, 256, msgq.QPriority)
	if err != nil {
		return err
	}
	defer q.Close()

	m, err := mutex.New(k)
	if err != nil {
		return err
	}
	defer m.Close()
	st := &stats{mu: m}

	beat, err := semaphore.NewBinary(k, semaphore.Empty, semaphore.QFIFO)
	if err != nil {
		return err
	}
	defer beat.Close()

	dog, err := wd.New(k)
	if err != nil {
		return err
	}
	defer dog.Close()

	producer := task.MustNew("producer", 100)
	consumer := task.MustNew("consumer", 50)
	monitor := task.MustNew("monitor", 10)
	events := event.New(k)

	period := tick.FromDuration(*heartbeat, k.Clock().Rate())
	if period == tick.NoWait {
		period = 1
	}
	if err := dog.Start(period, func(isr *wd.ISR) {
		_ = isr.Give(beat)
		_ = isr.Restart(period)
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() { _ = events.Send(consumer, evStop) }()
		for i := 0; i < *items; i++ {
			if gctx.Err() != nil {
				return nil
			}
			r := reading{Seq: i, Value: float64(i%10) * 1.5, At: k.Clock().WallNow()}
			pri := msgq.PriNormal
			if i%25 == 0 {
				pri = msgq.PriUrgent
			}
			if err := q.SendFor(producer, r, time.Second, pri); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		defer func() { _ = events.Send(monitor, evStop) }()
		for {
			r, err := q.ReceiveFor(consumer, 50*time.Millisecond)
			switch {
			case err == nil:
				if err := st.mu.Lock(consumer); err != nil {
					return err
				}
				st.received++
				st.sum += r.Value
				_ = st.mu.Unlock(consumer)
			case rterrors.Is(err, rterrors.ErrTimeout):
				if _, err := events.Poll(consumer, evStop, event.WaitAll); err == nil {
					return nil
				}
			default:
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			if _, err := events.Poll(monitor, evStop, event.WaitAll); err == nil {
				return nil
			}
			if err := beat.TakeFor(monitor, 2 * *heartbeat); err != nil && !rterrors.IsExpected(err) {
				return err
			}
			if err := st.mu.Lock(monitor); err != nil {
				return err
			}
			st.beats++
			log.Printf("heartbeat %d: %d readings, %d queued", st.beats, st.received, q.Len())
			_ = st.mu.Unlock(monitor)
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	_ = dog.Cancel()
	log.Printf("received %d readings, sum %.1f, %d heartbeats", st.received, st.sum, st.beats)
	return nil
}
