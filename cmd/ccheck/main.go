// Command ccheck is a consistency checker for the rediscache client, in
// the spirit of the one described in http://redis.io/topics/cluster-tutorial.
// It increments counters on the primary and reads them back from the
// replicas, and is used to observe the client's behaviour while servers
// are stopped, restarted or promoted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/rediscache"
)

var (
	serversFlag = flag.String("servers", "localhost:6379", "Comma-separated server `addresses`, the primary first.")

	connTimeoutFlag  = flag.Duration("c", time.Second, "Connection `timeout`.")
	delayFlag        = flag.Duration("d", 0, "Delay `duration` between INCR calls.")
	idleTimeoutFlag  = flag.Duration("i", 30*time.Second, "Pooled connection idle `timeout`.")
	readTimeoutFlag  = flag.Duration("r", 100*time.Millisecond, "Read `timeout`.")
	writeTimeoutFlag = flag.Duration("w", 100*time.Millisecond, "Write `timeout`.")

	maxIdleFlag   = flag.Int("max-idle", 10, "Maximum idle `connections` per pool.")
	maxActiveFlag = flag.Int("max-active", 100, "Maximum active `connections` per pool.")

	redirectFlag = flag.Bool("redirect-writes", false, "Retry failed writes on the replicas.")
	verboseFlag  = flag.Bool("v", false, "Log the client's failovers.")
)

const (
	workingSet = 1000
	keySpace   = 10000
)

var (
	mu sync.Mutex

	writes, reads             int
	failedWrites, failedReads int
	lostWrites, noAckWrites   int
)

func main() {
	flag.Parse()

	level := slog.LevelError
	if *verboseFlag {
		level = slog.LevelWarn
	}
	client, err := rediscache.New(rediscache.SplitServers(*serversFlag), rediscache.Options{
		Defaults: rediscache.Defaults{KeyPrefix: "ccheck", Timeout: rediscache.Forever},
		Factory: &rediscache.PoolFactory{
			DialOptions: []redis.DialOption{
				redis.DialConnectTimeout(*connTimeoutFlag),
				redis.DialReadTimeout(*readTimeoutFlag),
				redis.DialWriteTimeout(*writeTimeoutFlag),
			},
			MaxIdle:     *maxIdleFlag,
			MaxActive:   *maxActiveFlag,
			IdleTimeout: *idleTimeoutFlag,
		},
		RedirectWrites: *redirectFlag,
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer client.CloseAll()

	errCh := make(chan error, 1)
	go printStats()
	go printErr(errCh)

	runChecks(context.Background(), client, errCh, *delayFlag)
}

func runChecks(ctx context.Context, client *rediscache.Client, errCh chan<- error, delay time.Duration) {
	cache := make(map[string]int64, workingSet)
	for {
		var r, w, fr, fw, lw, naw int

		key := genKey()

		// read only if we know what that key should be
		if exp, ok := cache[key]; ok {
			v, found, err := client.Get(ctx, key)
			switch {
			case err != nil:
				report(errCh, fmt.Errorf("read of %s failed: %w", key, err))
				fr = 1
			case !found:
				r, lw = 1, int(exp)
			default:
				r = 1
				got, _ := v.Int()
				if exp > got {
					lw = int(exp - got)
				} else if exp < got {
					naw = int(got - exp)
				}
			}
		}

		// write
		n, err := client.Incr(ctx, key, 1, true)
		if err != nil {
			if !rediscache.IsConnectionInterrupted(err) && !errors.Is(err, rediscache.ErrNotFound) {
				report(errCh, fmt.Errorf("write of %s failed: %w", key, err))
			}
			fw = 1
		} else {
			w = 1
			cache[key] = n
		}

		updateStats(w, r, fw, fr, lw, naw)
		time.Sleep(delay)
	}
}

func report(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

func updateStats(deltas ...int) {
	mu.Lock()
	writes += deltas[0]
	reads += deltas[1]
	failedWrites += deltas[2]
	failedReads += deltas[3]
	lostWrites += deltas[4]
	noAckWrites += deltas[5]
	mu.Unlock()
}

func printErr(errCh <-chan error) {
	for err := range errCh {
		fmt.Println(err)
		time.Sleep(time.Second)
	}
}

// each second, print stats
func printStats() {
	for range time.Tick(time.Second) {
		mu.Lock()
		w, r := writes, reads
		fw, fr := failedWrites, failedReads
		lw, naw := lostWrites, noAckWrites
		mu.Unlock()
		fmt.Printf("%d R (%d err) | %d W (%d err) | %d lost | %d noack\n", r, fr, w, fw, lw, naw)
	}
}

func genKey() string {
	ks := workingSet
	if rand.Float64() > 0.5 {
		ks = keySpace
	}
	return "key_" + strconv.Itoa(rand.Intn(ks))
}
