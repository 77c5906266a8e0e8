package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/skshohagmiah/doip/pkg/client"
)

type benchFlags struct {
	address     string
	serviceID   string
	concurrency int
	duration    time.Duration
	poolSize    int
	payload     int
}

func main() {
	var f benchFlags
	cmd := &cobra.Command{
		Use:           "doipbench",
		Short:         "Measure Create and Retrieve throughput against a DOIP service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, os.Stdout)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.address, "address", "a", "127.0.0.1:9000", "service host:port")
	fs.StringVarP(&f.serviceID, "service-id", "s", "20.500.123/service", "identifier of the service")
	fs.IntVarP(&f.concurrency, "concurrency", "c", 128, "concurrent workers")
	fs.DurationVarP(&f.duration, "duration", "d", 30*time.Second, "duration of each phase")
	fs.IntVar(&f.poolSize, "pool-size", 100, "connections to the service")
	fs.IntVar(&f.payload, "payload", 1024, "element bytes per created object")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f benchFlags, out io.Writer) error {
	host, portStr, err := net.SplitHostPort(f.address)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	svc := client.ServiceInfo{ID: f.serviceID, Address: host, Port: port}

	opts := client.DefaultOptions()
	opts.MaxPoolSize = f.poolSize
	c, err := client.New(opts)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Hello(ctx, svc); err != nil {
		return fmt.Errorf("service not reachable: %w", err)
	}

	payload := bytes.Repeat([]byte("x"), f.payload)
	runID := strconv.FormatInt(time.Now().UnixNano(), 36)
	objectID := func(worker, n int) string {
		return fmt.Sprintf("bench-%s-%d-%d", runID, worker, n)
	}

	fmt.Fprintln(out, "Running DOIP benchmark")
	fmt.Fprintln(out, "======================")

	fmt.Fprintf(out, "\nCreate (%d workers, %v)...\n", f.concurrency, f.duration)
	created := phase(f, func(worker, n int) error {
		obj := &client.DigitalObject{ID: objectID(worker, n), Type: "Benchmark"}
		_, err := c.Create(ctx, svc, obj, map[string]io.Reader{"data": bytes.NewReader(payload)})
		return err
	})
	report(out, created)

	fmt.Fprintf(out, "\nRetrieve (%d workers, %v)...\n", f.concurrency, f.duration)
	retrieved := phase(f, func(worker, _ int) error {
		_, err := c.RetrieveElement(ctx, svc, objectID(worker, 0), "data", io.Discard)
		return err
	})
	report(out, retrieved)
	return nil
}

type phaseResult struct {
	ops     int64
	errors  int64
	elapsed time.Duration
}

// phase runs op from every worker until the duration elapses. n counts the
// successful operations of one worker.
func phase(f benchFlags, op func(worker, n int) error) phaseResult {
	var ops, errs int64
	var wg sync.WaitGroup
	start := time.Now()
	end := start.Add(f.duration)

	for i := 0; i < f.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			n := 0
			for time.Now().Before(end) {
				if err := op(worker, n); err != nil {
					atomic.AddInt64(&errs, 1)
					continue
				}
				n++
			}
			atomic.AddInt64(&ops, int64(n))
		}(i)
	}
	wg.Wait()
	return phaseResult{ops: ops, errors: errs, elapsed: time.Since(start)}
}

func report(out io.Writer, r phaseResult) {
	throughput := float64(r.ops) / r.elapsed.Seconds()
	fmt.Fprintf(out, "  operations: %s\n", formatNumber(r.ops))
	fmt.Fprintf(out, "  errors:     %s\n", formatNumber(r.errors))
	fmt.Fprintf(out, "  throughput: %s ops/sec\n", formatNumber(int64(throughput)))
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.2fM", float64(n)/1000000)
	} else if n >= 1000 {
		return fmt.Sprintf("%.2fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
