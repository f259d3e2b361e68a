package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"durakv/pkg/config"
	"durakv/pkg/core"
	"durakv/pkg/logutil"
)

func main() {
	dir := flag.String("dir", "", "data directory (default: a fresh temp dir)")
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "durakv-example-")
		if err != nil {
			log.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	cfg := config.NewDefaultConfig()
	cfg.Storage.Path = *dir
	logger := logutil.MustNewLogger(cfg.Log)
	defer logger.Sync()

	first, err := core.Open(cfg, core.WithLogger(logger))
	if err != nil {
		log.Fatalf("Open failed: %v", err)
	}

	fmt.Printf("Writing key0..key49 to %s\n", *dir)
	for i := 0; i < 50; i++ {
		if _, err := first.Put(fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			log.Fatalf("Put failed: %v", err)
		}
	}

	path, err := first.Snapshot()
	if err != nil {
		log.Fatalf("Snapshot failed: %v", err)
	}
	fmt.Printf("Snapshot: %s\n", path)

	fmt.Println("Writing key50..key69")
	for i := 50; i < 70; i++ {
		if _, err := first.Put(fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			log.Fatalf("Put failed: %v", err)
		}
	}

	second, err := core.NewStore(cfg, core.WithLogger(logger))
	if err != nil {
		log.Fatalf("Second open failed: %v", err)
	}
	baseline, err := second.Recover()
	if err != nil {
		log.Fatalf("Recover failed: %v", err)
	}
	fmt.Printf("Recovered from snapshot %d: %d keys\n", baseline, second.Len())

	for _, key := range []string{"key60", "key10", "key5000"} {
		if val, ok := second.Get(key); ok {
			fmt.Printf("  %s = %s\n", key, val)
		} else {
			fmt.Printf("  %s = (absent)\n", key)
		}
	}

	if err := second.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}
	if err := first.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}
}
