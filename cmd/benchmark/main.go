package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"durakv/pkg/config"
	"durakv/pkg/core"
	"durakv/pkg/storage"
)

type result struct {
	writes   int64
	reads    int64
	fsyncs   uint64
	bytes    uint64
	duration time.Duration
}

func main() {
	writers := flag.Int("writers", 16, "Number of concurrent writers")
	readers := flag.Int("readers", 4, "Number of concurrent readers")
	nReq := flag.Int("n", 500, "Writes per writer")
	readQPS := flag.Float64("read-qps", 20000, "Total read rate across readers, 0 for unlimited")
	keySpace := flag.Int("keys", 1000, "Number of distinct keys")
	shards := flag.Int("shards", 16, "Shard count")
	flag.Parse()

	fmt.Printf("durakv Benchmark (writers=%d readers=%d N=%d keys=%d)\n", *writers, *readers, *nReq, *keySpace)
	fmt.Println("---------------------------------------------------")

	var results []result
	for _, mode := range []storage.SyncMode{storage.SyncAlways, storage.SyncBatch} {
		fmt.Printf(">> Sync mode %q...\n", mode)
		r := runBenchmark(mode, *shards, *writers, *readers, *nReq, *keySpace, *readQPS)
		fmt.Printf("   Time: %v | Write QPS: %.0f | Reads: %s | fsyncs: %s | log: %s\n\n",
			r.duration, float64(r.writes)/r.duration.Seconds(),
			humanize.Comma(r.reads), humanize.Comma(int64(r.fsyncs)), humanize.Bytes(r.bytes))
		results = append(results, r)
	}

	fmt.Println("---------------------------------------------------")
	speedup := results[0].duration.Seconds() / results[1].duration.Seconds()
	fmt.Printf("Group commit is %.2fx faster than an fsync per write.\n", speedup)
}

func runBenchmark(mode storage.SyncMode, shards, writers, readers, n, keySpace int, readQPS float64) result {
	dir, err := os.MkdirTemp("", "durakv-bench-")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.NewDefaultConfig()
	cfg.Storage.Path = dir
	cfg.Storage.ShardCount = shards
	cfg.Storage.SyncMode = string(mode)
	cfg.Metrics.Enabled = false

	s, err := core.Open(cfg)
	if err != nil {
		log.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	limit := rate.Inf
	if readQPS > 0 {
		limit = rate.Limit(readQPS)
	}
	limiter := rate.NewLimiter(limit, readers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reads atomic.Int64
	var readWG sync.WaitGroup
	for i := 0; i < readers; i++ {
		readWG.Add(1)
		go func(seed int64) {
			defer readWG.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				s.Get(fmt.Sprintf("key%d", rng.Intn(keySpace)))
				reads.Add(1)
			}
		}(int64(i))
	}

	val := []byte("bench_data")
	start := time.Now()
	var writeWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writeWG.Add(1)
		go func(seed int64) {
			defer writeWG.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < n; i++ {
				if _, err := s.Put(fmt.Sprintf("key%d", rng.Intn(keySpace)), val); err != nil {
					log.Fatalf("Put failed: %v", err)
				}
			}
		}(int64(1000 + w))
	}
	writeWG.Wait()
	elapsed := time.Since(start)

	cancel()
	readWG.Wait()

	st := s.Stats()
	return result{
		writes:   int64(writers * n),
		reads:    reads.Load(),
		fsyncs:   st.Fsyncs,
		bytes:    st.Workload.AppendedBytes,
		duration: elapsed,
	}
}
