package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"durakv/pkg/storage"
)

func dataCommands() []*cobra.Command {
	return []*cobra.Command{
		{
			Use:                   "get key",
			Short:                 "Read a key",
			Args:                  cobra.ExactArgs(1),
			RunE:                  runGet,
			DisableFlagsInUseLine: true,
		},
		{
			Use:                   "put key value",
			Aliases:               []string{"set"},
			Short:                 "Write a key",
			Args:                  cobra.MinimumNArgs(2),
			RunE:                  runPut,
			DisableFlagsInUseLine: true,
		},
		{
			Use:                   "del key",
			Aliases:               []string{"delete", "rm"},
			Short:                 "Delete a key",
			Args:                  cobra.ExactArgs(1),
			RunE:                  runDel,
			DisableFlagsInUseLine: true,
		},
		{
			Use:                   "scan start [end]",
			Short:                 "List entries with start <= key < end",
			Args:                  cobra.RangeArgs(1, 2),
			RunE:                  runScan,
			DisableFlagsInUseLine: true,
		},
		{
			Use:   "keys",
			Short: "List all keys",
			Args:  cobra.NoArgs,
			RunE:  runKeys,
		},
		{
			Use:   "snapshot",
			Short: "Write a snapshot and rotate the log",
			Args:  cobra.NoArgs,
			RunE:  runSnapshot,
		},
		{
			Use:   "stats",
			Short: "Show store statistics",
			Args:  cobra.NoArgs,
			RunE:  runStats,
		},
		{
			Use:                   "export file.db",
			Short:                 "Copy the store into a SQLite database",
			Args:                  cobra.ExactArgs(1),
			RunE:                  runExport,
			DisableFlagsInUseLine: true,
		},
		{
			Use:                   "import file.db",
			Short:                 "Load every record of a SQLite database",
			Args:                  cobra.ExactArgs(1),
			RunE:                  runImport,
			DisableFlagsInUseLine: true,
		},
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	start := time.Now()
	val, ok := globalStore.Get(args[0])
	if !ok {
		fmt.Printf("(nil) (%v)\n", time.Since(start))
		return nil
	}
	fmt.Printf("%q (%v)\n", val, time.Since(start))
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	start := time.Now()
	tok, err := globalStore.Put(args[0], []byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	fmt.Printf("OK %s (%v)\n", tok, time.Since(start))
	return nil
}

func runDel(cmd *cobra.Command, args []string) error {
	start := time.Now()
	tok, err := globalStore.Delete(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %s (%v)\n", tok, time.Since(start))
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	end := ""
	if len(args) == 2 {
		end = args[1]
	}
	start := time.Now()
	recs := globalStore.Scan(args[0], end)
	for i, rec := range recs {
		fmt.Printf("%d) %s = %q\n", i+1, rec.Key, rec.Value)
	}
	fmt.Printf("%d records (%v)\n", len(recs), time.Since(start))
	return nil
}

func runKeys(cmd *cobra.Command, args []string) error {
	keys := globalStore.Keys()
	for _, k := range keys {
		fmt.Println(k)
	}
	fmt.Printf("%s keys\n", humanize.Comma(int64(len(keys))))
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	start := time.Now()
	path, err := globalStore.Snapshot()
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot written to %s (%v)\n", path, time.Since(start))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	st := globalStore.Stats()
	w := st.Workload
	fmt.Println("--------------------------------")
	fmt.Printf("dir:             %s\n", globalStore.Dir())
	fmt.Printf("state:           %s\n", st.State)
	fmt.Printf("keys:            %s\n", humanize.Comma(int64(st.Keys)))
	fmt.Printf("memory:          %s\n", humanize.Bytes(uint64(st.MemoryBytes)))
	fmt.Printf("shards:          %d\n", st.Shards)
	fmt.Printf("active segment:  %d\n", st.ActiveSegment)
	fmt.Printf("last snapshot:   %d\n", st.LastSnapshot)
	fmt.Printf("reads / hits:    %s / %s\n", humanize.Comma(int64(w.Reads)), humanize.Comma(int64(w.Hits)))
	fmt.Printf("puts / deletes:  %s / %s\n", humanize.Comma(int64(w.Puts)), humanize.Comma(int64(w.Deletes)))
	fmt.Printf("rw ratio:        %.2f\n", st.ReadWriteRatio)
	fmt.Printf("fsyncs:          %s\n", humanize.Comma(int64(st.Fsyncs)))
	fmt.Printf("log appended:    %s\n", humanize.Bytes(w.AppendedBytes))
	fmt.Println("--------------------------------")
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	b, err := storage.NewSQLiteBackend(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	start := time.Now()
	n, err := globalStore.Export(b)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %s records to %s (%v)\n", humanize.Comma(int64(n)), args[0], time.Since(start))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	b, err := storage.NewSQLiteBackend(args[0])
	if err != nil {
		return err
	}
	defer b.Close()

	start := time.Now()
	n, err := globalStore.Import(b)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %s records from %s (%v)\n", humanize.Comma(int64(n)), args[0], time.Since(start))
	return nil
}
