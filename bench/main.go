package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/msgq"
	"github.com/mirkobrombin/go-rtsync/v1/mutex"
	"github.com/mirkobrombin/go-rtsync/v1/semaphore"
	"github.com/mirkobrombin/go-rtsync/v1/sharedmutex"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

var (
	concurrency = flag.Int("c", 8, "Concurrent tasks")
	requests    = flag.Int("n", 200000, "Operations per target")
	msgSize     = flag.Int("d", 64, "Message size in bytes")
	target      = flag.String("target", "all", "Target: mutex, mutex-fifo, semaphore, shared-read, msgq, sync")
	rate        = flag.Int("rate", 1000, "Kernel tick rate")
)

func main() {
	flag.Parse()

	k := kernel.New(kernel.WithTickRate(*rate))
	defer k.Close()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"sync", "mutex", "mutex-fifo", "semaphore", "shared-read", "msgq"}
	}

	fmt.Printf("| %-12s | %-10s | %-12s |\n", "Primitive", "Ops/sec", "Avg ns/op")
	fmt.Println("|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(k, strings.TrimSpace(t))
	}
}

func runBenchmark(k *kernel.Kernel, name string) {
	var (
		opFn    func(t *task.Task) error
		cleanup func()
	)

	switch name {
	case "sync":
		var mu sync.Mutex
		opFn = func(*task.Task) error {
			mu.Lock()
			mu.Unlock()
			return nil
		}

	case "mutex", "mutex-fifo":
		opts := mutex.Defaults
		if name == "mutex-fifo" {
			opts = mutex.NoRecurse
		}
		m, err := mutex.NewWithOptions(k, opts)
		if err != nil {
			log.Printf("%s: %v", name, err)
			return
		}
		opFn = func(t *task.Task) error {
			if err := m.Lock(t); err != nil {
				return err
			}
			return m.Unlock(t)
		}
		cleanup = func() { _ = m.Close() }

	case "semaphore":
		s, err := semaphore.NewCounting(k, 2, semaphore.QPriority)
		if err != nil {
			log.Printf("%s: %v", name, err)
			return
		}
		opFn = func(t *task.Task) error {
			if err := s.Acquire(t); err != nil {
				return err
			}
			return s.Release()
		}
		cleanup = func() { _ = s.Close() }

	case "shared-read":
		rw, err := sharedmutex.New(k)
		if err != nil {
			log.Printf("%s: %v", name, err)
			return
		}
		opFn = func(t *task.Task) error {
			if err := rw.LockShared(t); err != nil {
				return err
			}
			return rw.UnlockShared(t)
		}
		cleanup = func() { _ = rw.Close() }

	case "msgq":
		q, err := msgq.New(k, 64, *msgSize, msgq.QFIFO)
		if err != nil {
			log.Printf("%s: %v", name, err)
			return
		}
		payload := make([]byte, *msgSize)
		opFn = func(t *task.Task) error {
			buf := make([]byte, *msgSize)
			if err := q.Send(t, payload, tick.WaitForever, msgq.PriNormal); err != nil {
				return err
			}
			_, err := q.Receive(t, buf, tick.WaitForever)
			return err
		}
		cleanup = func() { _ = q.Close() }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	var wg sync.WaitGroup
	var ops int64

	start := time.Now()
	chunk := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		t := task.MustNew(fmt.Sprintf("bench-%d", i), 100+i)
		go func() {
			defer wg.Done()
			for j := 0; j < chunk; j++ {
				if err := opFn(t); err == nil {
					atomic.AddInt64(&ops, 1)
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-12s | %-10s | %-12s |\n", name, "ERROR", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	fmt.Printf("| %-12s | %-10.0f | %-12.0f |\n", name, throughput, avgLat)
}
