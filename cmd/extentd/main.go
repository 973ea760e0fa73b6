package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/config"
	"github.com/adammck/extentstore/pkg/extentstore"
	"github.com/adammck/extentstore/pkg/gc"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/adammck/extentstore/pkg/metastore"
	"golang.org/x/sync/errgroup"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: extentd [-config path] <command> [arguments]

Commands:
  init                       create destinations and metadata
  put [file...]              append each file (or stdin); print chunks as JSON
  get <id> <offset> <count>  write part of one extent to stdout
  cat [offset] [count]       read JSON chunks from stdin; write them to stdout
  ls                         list extents
  rm <id...>                 delete extents
  gc [file]                  delete extents not listed in file (or stdin)
  gcd [file]                 like gc, but keep sweeping until interrupted
  backup                     export every extent to $S3_BUCKET
  restore [key...]           import extents from $S3_BUCKET`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := flag.String("config", "", "path to YAML config (default $EXTENT_CONFIG)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*path)
	if err != nil {
		log.Fatalf("config.Load: %s", err)
	}

	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	es, err := extentstore.New(cfg, extentstore.WithLogger(logger))
	if err != nil {
		log.Fatalf("extentstore.New: %s", err)
	}

	err = es.Init(ctx)
	if err != nil {
		log.Fatalf("extentstore.Init: %s", err)
	}
	defer es.Close(context.WithoutCancel(ctx))

	args := flag.Args()[1:]

	switch cmd := flag.Arg(0); cmd {
	case "init":
		fmt.Println("OK")
	case "put":
		err = cmdPut(ctx, es, args)
	case "get":
		err = cmdGet(ctx, es, args)
	case "cat":
		err = cmdCat(ctx, es, args, os.Stdin)
	case "ls":
		err = cmdLs(ctx, es)
	case "rm":
		err = cmdRm(ctx, es, args)
	case "gc":
		err = cmdGC(ctx, es, args, false)
	case "gcd":
		err = cmdGC(ctx, es, args, true)
	case "backup":
		err = cmdBackup(ctx, es)
	case "restore":
		err = cmdRestore(ctx, es, args)
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if err != nil {
		es.Close(context.WithoutCancel(ctx))
		log.Fatalf("%s: %s", flag.Arg(0), err)
	}
}

func cmdPut(ctx context.Context, es *extentstore.ExtentStore, files []string) error {
	if len(files) == 0 {
		c, err := es.Store().Append(ctx, os.Stdin)
		if err != nil {
			return fmt.Errorf("Append: %w", err)
		}
		return printJSON(c)
	}

	g, ctx := errgroup.WithContext(ctx)
	chunks := make([]api.Chunk, len(files))

	for i, fn := range files {
		i, fn := i, fn
		g.Go(func() error {
			f, err := os.Open(fn)
			if err != nil {
				return err
			}
			defer f.Close()

			c, err := es.Store().Append(ctx, f)
			if err != nil {
				return fmt.Errorf("Append(%s): %w", fn, err)
			}

			chunks[i] = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, c := range chunks {
		if err := printJSON(c); err != nil {
			return err
		}
	}

	return nil
}

func cmdGet(ctx context.Context, es *extentstore.ExtentStore, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: get <id> <offset> <count>")
	}

	offset, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("offset: %w", err)
	}

	count, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}

	rc, err := es.Store().Read(ctx, api.Chunk{ID: args[0], Offset: offset, Count: count})
	if err != nil {
		return fmt.Errorf("Read: %w", err)
	}
	defer rc.Close()

	_, err = io.Copy(os.Stdout, rc)
	return err
}

func cmdCat(ctx context.Context, es *extentstore.ExtentStore, args []string, r io.Reader) error {
	var offset int64
	count := int64(-1)

	var err error
	if len(args) > 0 {
		if offset, err = strconv.ParseInt(args[0], 10, 64); err != nil {
			return fmt.Errorf("offset: %w", err)
		}
	}
	if len(args) > 1 {
		if count, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("count: %w", err)
		}
	}

	var chunks []api.Chunk
	dec := json.NewDecoder(r)
	for {
		var c api.Chunk
		err := dec.Decode(&c)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("Decode: %w", err)
		}
		chunks = append(chunks, c)
	}

	rc, err := es.Store().ReadMany(ctx, chunks, offset, count)
	if err != nil {
		return fmt.Errorf("ReadMany: %w", err)
	}
	defer rc.Close()

	_, err = io.Copy(os.Stdout, rc)
	return err
}

func cmdLs(ctx context.Context, es *extentstore.ExtentStore) error {
	md := es.MetadataStore()
	var marker api.Marker
	n := 0

	for {
		page, next, err := md.ListExtents(ctx, api.ListOptions{Marker: marker})
		if err != nil {
			return fmt.Errorf("ListExtents: %w", err)
		}

		for _, e := range page {
			fmt.Printf("%s\t%s\t%d\t%s\n", e.ID, e.LocationID, e.Size, e.LastModified().UTC().Format("2006-01-02T15:04:05.000Z"))
			n++
		}

		if next == "" {
			break
		}
		marker = next
	}

	fmt.Fprintf(os.Stderr, "Listed %d extents\n", n)
	return nil
}

func cmdRm(ctx context.Context, es *extentstore.ExtentStore, ids []string) error {
	n, err := es.Store().Delete(ctx, ids)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}

	fmt.Printf("Deleted %d extents\n", n)
	return nil
}

func cmdGC(ctx context.Context, es *extentstore.ExtentStore, args []string, loop bool) error {
	r := io.Reader(os.Stdin)
	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	referred, err := readReferred(r)
	if err != nil {
		return err
	}

	if !loop {
		stats, err := es.Sweeper(referred).SweepOnce(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Deleted %d of %d unreferenced extents (%d collectable)\n", stats.Deleted, stats.Unreferenced, stats.All)
		return nil
	}

	var mu sync.Mutex
	var failed error

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sw := es.Sweeper(referred, gc.WithErrorHandler(func(err error) {
		mu.Lock()
		failed = err
		mu.Unlock()
		cancel()
	}))

	if err := sw.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	sw.Close()

	mu.Lock()
	defer mu.Unlock()
	return failed
}

// readReferred reads one extent id per line. Blank lines and lines starting
// with # are ignored.
func readReferred(r io.Reader) (*metastore.StaticReferred, error) {
	referred := metastore.NewStaticReferred()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		referred.Add(line)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read referred ids: %w", err)
	}

	return referred, nil
}

func cmdBackup(ctx context.Context, es *extentstore.ExtentStore) error {
	b, err := es.Backup()
	if err != nil {
		return err
	}

	keys, err := b.Export(ctx)
	if err != nil {
		return fmt.Errorf("Export: %w", err)
	}

	fmt.Printf("Exported %d extents\n", len(keys))
	return nil
}

func cmdRestore(ctx context.Context, es *extentstore.ExtentStore, keys []string) error {
	b, err := es.Backup()
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		keys, err = b.List(ctx)
		if err != nil {
			return fmt.Errorf("List: %w", err)
		}
	}

	m, err := b.Import(ctx, keys)
	if err != nil {
		return fmt.Errorf("Import: %w", err)
	}

	// old id -> new chunk, so the catalog can be rewritten.
	return printJSON(m)
}

func printJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	fmt.Printf("%s\n", b)
	return nil
}
