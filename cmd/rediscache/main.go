// Command rediscache runs cache operations against a redis primary and its
// replicas using the rediscache package.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mna/mainer"
	"github.com/mna/rediscache"
	"github.com/mna/rediscache/codec"
	"github.com/spf13/viper"
)

const binName = "rediscache"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> [<arg>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> [<arg>...]
       %[1]s -h|--help

Run a cache operation via the rediscache package.

Valid flag options are:
       -h --help                 Show this help and exit immediately.
       -s --servers ADDRS        Comma-separated list of addresses, the
                                 primary first.
       -c --config FILE          Read the configuration from FILE.
       -p --prefix PREFIX        Key prefix of the command.
       --key-version INT         Key version of the command.
       -t --ttl DUR              Expiration of stored keys, the configured
                                 default timeout is used if not set.
       --forever                 Store keys without expiration.
       --nx                      Only store keys that do not exist.
       --xx                      Only store keys that exist.
       --metrics                 Print the client metrics after the command.

Configuration is also read from the environment variables prefixed
with %s_, e.g. %[2]s_SERVERS.

Valid commands are:
       get KEY                   Print the value of KEY.
       set KEY VALUE             Store VALUE at KEY. Integers are stored
                                 raw, other values as serialized strings.
       add KEY VALUE             Store VALUE at KEY if it does not exist.
       delete KEY...             Delete the keys.
       has KEY                   Print whether KEY exists.
       ttl KEY                   Print the remaining time to live of KEY.
       pttl KEY                  Same as ttl, in milliseconds.
       touch KEY                 Set a new expiration on KEY.
       persist KEY               Remove the expiration of KEY.
       incr KEY [DELTA]          Increment KEY by DELTA (default 1).
       decr KEY [DELTA]          Decrement KEY by DELTA (default 1).
       incr-version KEY          Move KEY to the next version.
       keys PATTERN              Print the keys that match PATTERN.
       delete-pattern PATTERN    Delete the keys that match PATTERN.
       clear                     Remove all keys of the database.
`, binName, rediscache.EnvPrefix)
)

type cmd struct {
	Help bool `flag:"h,help"`

	Servers    string        `flag:"s,servers"`
	Config     string        `flag:"c,config"`
	Prefix     string        `flag:"p,prefix"`
	KeyVersion int           `flag:"key-version"`
	TTL        time.Duration `flag:"t,ttl"`
	Forever    bool          `flag:"forever"`
	NX         bool          `flag:"nx"`
	XX         bool          `flag:"xx"`
	Metrics    bool          `flag:"metrics"`

	args  []string
	flags map[string]bool
}

func (c *cmd) SetArgs(args []string) {
	c.args = args
}

func (c *cmd) SetFlags(flags map[string]bool) {
	c.flags = flags
}

// arity is the number of arguments of each command, a negative value is
// the minimum number of arguments.
var arity = map[string]int{
	"get":            1,
	"set":            2,
	"add":            2,
	"delete":         -1,
	"has":            1,
	"ttl":            1,
	"pttl":           1,
	"touch":          1,
	"persist":        1,
	"incr":           -1,
	"decr":           -1,
	"incr-version":   1,
	"keys":           1,
	"delete-pattern": 1,
	"clear":          0,
}

func (c *cmd) Validate() error {
	if c.Help {
		return nil
	}

	if c.NX && c.XX {
		return errors.New("--nx and --xx cannot be set at the same time")
	}
	if c.Forever && c.TTL != 0 {
		return errors.New("--forever and --ttl cannot be set at the same time")
	}
	if len(c.args) == 0 {
		return errors.New("no command provided")
	}

	name, args := c.args[0], c.args[1:]
	n, ok := arity[name]
	if !ok {
		return fmt.Errorf("unknown command: %s", name)
	}
	if (n >= 0 && len(args) != n) || (n < 0 && len(args) < -n) {
		return fmt.Errorf("wrong number of arguments for %s", name)
	}
	if (name == "incr" || name == "decr") && len(args) > 2 {
		return fmt.Errorf("wrong number of arguments for %s", name)
	}
	return nil
}

func (c *cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	var p mainer.Parser
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		fmt.Fprint(stdio.Stderr, shortUsage)
		return mainer.InvalidArgs
	}

	if c.Help {
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success
	}

	client, err := c.newClient(stdio.Stderr)
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return mainer.InvalidArgs
	}
	defer client.CloseAll()

	err = c.run(context.Background(), client, stdio.Stdout)
	if c.Metrics {
		client.WriteMetrics(stdio.Stdout)
	}
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return mainer.Failure
	}
	return mainer.Success
}

func (c *cmd) newClient(logw io.Writer) (*rediscache.Client, error) {
	v := viper.New()
	if c.Config != "" {
		v.Set("config", c.Config)
	}
	if c.Servers != "" {
		v.Set("servers", rediscache.SplitServers(c.Servers))
	}

	conf, err := rediscache.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	logger, err := conf.Logger(logw)
	if err != nil {
		return nil, err
	}
	return conf.NewClient(logger)
}

func (c *cmd) options() []rediscache.Option {
	var opts []rediscache.Option
	if c.flags["p"] || c.flags["prefix"] {
		opts = append(opts, rediscache.Prefix(c.Prefix))
	}
	if c.flags["key-version"] {
		opts = append(opts, rediscache.Version(c.KeyVersion))
	}
	if c.NX {
		opts = append(opts, rediscache.NX())
	}
	if c.XX {
		opts = append(opts, rediscache.XX())
	}
	return opts
}

func (c *cmd) timeout() rediscache.Timeout {
	switch {
	case c.Forever:
		return rediscache.Forever
	case c.flags["t"] || c.flags["ttl"]:
		return rediscache.TTL(c.TTL)
	default:
		return rediscache.DefaultTimeout
	}
}

// parseValue stores integers raw so that they can be incremented.
func parseValue(s string) codec.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return codec.Int(n)
	}
	return codec.Object(s)
}

func parseDelta(args []string) (int64, error) {
	if len(args) < 2 {
		return 1, nil
	}
	return strconv.ParseInt(args[1], 10, 64)
}

func (c *cmd) run(ctx context.Context, client *rediscache.Client, w io.Writer) error {
	name, args := c.args[0], c.args[1:]
	opts := c.options()

	switch name {
	case "get":
		v, ok, err := client.Get(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", rediscache.ErrNotFound, args[0])
		}
		val, err := v.Interface()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, val)

	case "set", "add":
		fn := client.Set
		if name == "add" {
			fn = client.Add
		}
		ok, err := fn(ctx, args[0], parseValue(args[1]), c.timeout(), opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, ok)

	case "delete":
		n, err := client.DeleteMany(ctx, args, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, n)

	case "has":
		ok, err := client.HasKey(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, ok)

	case "ttl", "pttl":
		fn, unit := client.TTL, time.Second
		if name == "pttl" {
			fn, unit = client.PTTL, time.Millisecond
		}
		d, err := fn(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		if d == rediscache.NoExpiry {
			fmt.Fprintln(w, -1)
		} else {
			fmt.Fprintln(w, int64(d/unit))
		}

	case "touch":
		ok, err := client.Touch(ctx, args[0], c.timeout(), opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, ok)

	case "persist":
		ok, err := client.Persist(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, ok)

	case "incr", "decr":
		delta, err := parseDelta(args)
		if err != nil {
			return fmt.Errorf("invalid delta: %w", err)
		}
		var n int64
		if name == "incr" {
			n, err = client.Incr(ctx, args[0], delta, false, opts...)
		} else {
			n, err = client.Decr(ctx, args[0], delta, opts...)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, n)

	case "incr-version":
		v, err := client.IncrVersion(ctx, args[0], 1, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, v)

	case "keys":
		it := client.IterKeys(ctx, args[0], opts...)
		defer it.Close()
		for it.Next() {
			fmt.Fprintln(w, it.Key())
		}
		return it.Err()

	case "delete-pattern":
		n, err := client.DeletePattern(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, n)

	case "clear":
		return client.Clear(ctx, opts...)
	}
	return nil
}

func main() {
	var c cmd
	os.Exit(int(c.Main(os.Args, mainer.CurrentStdio())))
}
