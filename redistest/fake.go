package redistest

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mna/rediscache/redistest/resp"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	errWrongType  = resp.Error("WRONGTYPE Operation against a key holding the wrong kind of value")
	errNotInteger = resp.Error("ERR value is not an integer or out of range")
	errNotFloat   = resp.Error("ERR value is not a valid float")
	errSyntax     = resp.Error("ERR syntax error")
	errNoSuchKey  = resp.Error("ERR no such key")
	errReadOnly   = resp.Error("READONLY You can't write against a read only replica.")
	errNoScript   = resp.Error("NOSCRIPT No matching script. Please use EVAL.")
)

type entryType uint8

const (
	typeString entryType = iota + 1
	typeList
	typeZSet
)

// entry is the value of a key. Entries are never mutated once stored,
// updates store a copy.
type entry struct {
	typ      entryType
	str      []byte
	list     [][]byte
	zset     map[string]float64
	expireAt int64 // unix nanoseconds, 0 if no expiration
}

// fakeDB is a keyspace shared by a fake primary and its replicas.
type fakeDB struct {
	keys    *xsync.MapOf[string, entry]
	scripts *xsync.MapOf[string, string]
	offset  atomic.Int64

	// SCAN cursors map to the last key returned by the previous batch.
	cursors    *xsync.MapOf[int64, string]
	lastCursor atomic.Int64

	// held by the commands that touch more than one key at once
	mu sync.Mutex
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		keys:    xsync.NewMapOf[string, entry](),
		scripts: xsync.NewMapOf[string, string](),
		cursors: xsync.NewMapOf[int64, string](),
	}
}

func (db *fakeDB) now() int64 {
	return time.Now().UnixNano() + db.offset.Load()
}

func (db *fakeDB) expired(e entry) bool {
	return e.expireAt != 0 && e.expireAt <= db.now()
}

func (db *fakeDB) load(key string) (entry, bool) {
	e, ok := db.keys.Load(key)
	if ok && db.expired(e) {
		db.update(key, func(e entry, ok bool) (entry, bool) { return e, !ok })
		return entry{}, false
	}
	return e, ok
}

// update atomically replaces the entry of key with the one returned by fn,
// or deletes it if fn returns true. An expired entry is passed to fn as
// missing.
func (db *fakeDB) update(key string, fn func(e entry, ok bool) (entry, bool)) {
	db.keys.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && db.expired(old) {
			old, loaded = entry{}, false
		}
		return fn(old, loaded)
	})
}

func (db *fakeDB) liveKeys(pattern string) []string {
	var keys []string
	db.keys.Range(func(k string, e entry) bool {
		if !db.expired(e) && (pattern == "" || globMatch(pattern, k)) {
			keys = append(keys, k)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

// FakeServer is an in-memory redis server that implements the commands
// used by the cache client: strings with expiration, lists, sorted sets,
// SCAN and KEYS, and the increment scripts run with EVAL and EVALSHA.
// Replicas started with StartFakeReplica share the keyspace of their
// primary, so writes are visible on all of them immediately.
type FakeServer struct {
	*MockServer

	db       *fakeDB
	calls    *xsync.MapOf[string, *xsync.Counter]
	down     atomic.Bool
	readOnly atomic.Bool
}

// StartFakeServer starts a fake redis primary. The caller should close
// the server after use.
func StartFakeServer(t testing.TB) *FakeServer {
	return startFake(t, newFakeDB(), false)
}

// StartFakeReplica starts a read-only fake replica of primary.
func StartFakeReplica(t testing.TB, primary *FakeServer) *FakeServer {
	return startFake(t, primary.db, true)
}

func startFake(t testing.TB, db *fakeDB, readOnly bool) *FakeServer {
	f := &FakeServer{
		db:    db,
		calls: xsync.NewMapOf[string, *xsync.Counter](),
	}
	f.readOnly.Store(readOnly)
	f.MockServer = StartMockServer(t, f.Handle)
	return f
}

// SetDown simulates a failure of the server: while down, the established
// connections are closed and new ones are closed as soon as a command is
// received.
func (f *FakeServer) SetDown(down bool) {
	f.down.Store(down)
	if down {
		f.CloseConns()
	}
}

// SetReadOnly sets whether write commands are rejected with a READONLY
// error, as a read-only replica does.
func (f *FakeServer) SetReadOnly(ro bool) {
	f.readOnly.Store(ro)
}

// Advance moves the clock of the keyspace forward by d, expiring the keys
// whose time to live is shorter.
func (f *FakeServer) Advance(d time.Duration) {
	f.db.offset.Add(int64(d))
}

// Calls returns how many times cmd was received by this server.
func (f *FakeServer) Calls(cmd string) int64 {
	c, ok := f.calls.Load(strings.ToUpper(cmd))
	if !ok {
		return 0
	}
	return c.Value()
}

// Handle executes a command on the fake server and returns its reply. It
// is the HandlerFunc of the underlying MockServer.
func (f *FakeServer) Handle(cmd string, args ...string) interface{} {
	cmd = strings.ToUpper(cmd)
	c, _ := f.calls.LoadOrCompute(cmd, xsync.NewCounter)
	c.Inc()

	if f.down.Load() {
		return Hangup
	}

	fc, ok := fakeCommands[cmd]
	if !ok {
		return resp.Errorf("ERR unknown command '%s'", cmd)
	}
	if len(args) < fc.minArgs {
		return resp.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd))
	}
	if fc.write && f.readOnly.Load() {
		return errReadOnly
	}
	return fc.fn(f.db, args)
}

type fakeCommand struct {
	minArgs int
	write   bool
	fn      func(db *fakeDB, args []string) interface{}
}

var fakeCommands = map[string]fakeCommand{
	"PING":   {0, false, cmdPing},
	"ECHO":   {1, false, func(_ *fakeDB, args []string) interface{} { return args[0] }},
	"SELECT": {1, false, cmdOK},
	"AUTH":   {1, false, cmdOK},

	"GET":  {1, false, cmdGet},
	"SET":  {2, true, cmdSet},
	"MGET": {1, false, cmdMGet},
	"DEL":  {1, true, cmdDel},

	"EXISTS":    {1, false, cmdExists},
	"EXPIRE":    {2, true, expireCmd(time.Second, false)},
	"PEXPIRE":   {2, true, expireCmd(time.Millisecond, false)},
	"EXPIREAT":  {2, true, expireCmd(time.Second, true)},
	"PEXPIREAT": {2, true, expireCmd(time.Millisecond, true)},
	"PERSIST":   {1, true, cmdPersist},
	"TTL":       {1, false, ttlCmd(time.Second)},
	"PTTL":      {1, false, ttlCmd(time.Millisecond)},

	"SCAN":     {1, false, cmdScan},
	"KEYS":     {1, false, cmdKeys},
	"RENAME":   {2, true, cmdRename},
	"FLUSHDB":  {0, true, cmdFlush},
	"FLUSHALL": {0, true, cmdFlush},

	"INCRBY": {2, true, func(db *fakeDB, args []string) interface{} { return incrBy(db, args[0], args[1], false) }},
	"INCR":   {1, true, func(db *fakeDB, args []string) interface{} { return incrBy(db, args[0], "1", false) }},

	"LPUSH":  {2, true, pushCmd(false)},
	"RPUSH":  {2, true, pushCmd(true)},
	"LPOP":   {1, true, popCmd(false)},
	"RPOP":   {1, true, popCmd(true)},
	"LRANGE": {3, false, cmdLRange},
	"LINDEX": {2, false, cmdLIndex},

	"ZADD":      {3, true, cmdZAdd},
	"ZCOUNT":    {3, false, cmdZCount},
	"ZRANGE":    {3, false, zrangeCmd(false)},
	"ZREVRANGE": {3, false, zrangeCmd(true)},

	"EVAL":    {2, true, cmdEval},
	"EVALSHA": {2, true, cmdEvalSHA},
	"SCRIPT":  {2, false, cmdScript},
}

func cmdPing(_ *fakeDB, args []string) interface{} {
	if len(args) > 0 {
		return args[0]
	}
	return resp.Pong
}

func cmdOK(_ *fakeDB, _ []string) interface{} {
	return resp.OK
}

func cmdGet(db *fakeDB, args []string) interface{} {
	e, ok := db.load(args[0])
	if !ok {
		return nil
	}
	if e.typ != typeString {
		return errWrongType
	}
	return e.str
}

func cmdSet(db *fakeDB, args []string) interface{} {
	key, val := args[0], []byte(args[1])

	var (
		nx, xx, keepTTL bool
		expireAt        int64
	)
	for i := 2; i < len(args); i++ {
		switch opt := strings.ToUpper(args[i]); opt {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "KEEPTTL":
			keepTTL = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return errSyntax
			}
			i++
			n, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return errNotInteger
			}
			if n <= 0 {
				return resp.Error("ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if opt == "PX" {
				unit = time.Millisecond
			}
			expireAt = db.now() + n*int64(unit)
		default:
			return errSyntax
		}
	}
	if nx && xx {
		return errSyntax
	}

	var stored bool
	db.update(key, func(e entry, ok bool) (entry, bool) {
		if (nx && ok) || (xx && !ok) {
			return e, !ok
		}
		stored = true
		ne := entry{typ: typeString, str: val, expireAt: expireAt}
		if keepTTL && ok {
			ne.expireAt = e.expireAt
		}
		return ne, false
	})
	if !stored {
		return nil
	}
	return resp.OK
}

func cmdMGet(db *fakeDB, args []string) interface{} {
	vals := make([]interface{}, len(args))
	for i, k := range args {
		if e, ok := db.load(k); ok && e.typ == typeString {
			vals[i] = e.str
		}
	}
	return vals
}

func cmdDel(db *fakeDB, args []string) interface{} {
	var n int64
	for _, k := range args {
		db.update(k, func(e entry, ok bool) (entry, bool) {
			if ok {
				n++
			}
			return e, true
		})
	}
	return n
}

func cmdExists(db *fakeDB, args []string) interface{} {
	var n int64
	for _, k := range args {
		if _, ok := db.load(k); ok {
			n++
		}
	}
	return n
}

func expireCmd(unit time.Duration, absolute bool) func(*fakeDB, []string) interface{} {
	return func(db *fakeDB, args []string) interface{} {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return errNotInteger
		}
		at := n * int64(unit)
		if !absolute {
			at += db.now()
		}

		var res int64
		db.update(args[0], func(e entry, ok bool) (entry, bool) {
			if !ok {
				return e, true
			}
			res = 1
			if at <= db.now() {
				return e, true
			}
			e.expireAt = at
			return e, false
		})
		return res
	}
}

func cmdPersist(db *fakeDB, args []string) interface{} {
	var res int64
	db.update(args[0], func(e entry, ok bool) (entry, bool) {
		if !ok {
			return e, true
		}
		if e.expireAt != 0 {
			res = 1
			e.expireAt = 0
		}
		return e, false
	})
	return res
}

func ttlCmd(unit time.Duration) func(*fakeDB, []string) interface{} {
	return func(db *fakeDB, args []string) interface{} {
		e, ok := db.load(args[0])
		switch {
		case !ok:
			return int64(-2)
		case e.expireAt == 0:
			return int64(-1)
		}
		ms := (e.expireAt - db.now()) / int64(time.Millisecond)
		if unit == time.Second {
			return (ms + 500) / 1000
		}
		return ms
	}
}

func cmdScan(db *fakeDB, args []string) interface{} {
	cursor, err := strconv.Atoi(args[0])
	if err != nil || cursor < 0 {
		return resp.Error("ERR invalid cursor")
	}

	pattern, count := "", 10
	for i := 1; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			pattern = args[i+1]
		case "COUNT":
			if count, err = strconv.Atoi(args[i+1]); err != nil || count < 1 {
				return errSyntax
			}
		default:
			return errSyntax
		}
	}

	after := ""
	if cursor != 0 {
		var ok bool
		if after, ok = db.cursors.LoadAndDelete(int64(cursor)); !ok {
			return resp.Error("ERR invalid cursor")
		}
	}

	// keys are visited in sorted order, so keys that exist for the whole
	// iteration are returned even if others are deleted. Like redis, the
	// pattern filters the batch after it is selected, so a batch may be
	// empty while the iteration is not over.
	all := db.liveKeys("")
	start := sort.SearchStrings(all, after)
	if start < len(all) && all[start] == after && cursor != 0 {
		start++
	}
	end := start + count
	next := int64(0)
	if end < len(all) {
		next = db.lastCursor.Add(1)
		db.cursors.Store(next, all[end-1])
	} else {
		end = len(all)
	}

	batch := []string{}
	for _, k := range all[start:end] {
		if pattern == "" || globMatch(pattern, k) {
			batch = append(batch, k)
		}
	}
	return []interface{}{strconv.FormatInt(next, 10), batch}
}

func cmdKeys(db *fakeDB, args []string) interface{} {
	keys := db.liveKeys(args[0])
	if keys == nil {
		keys = []string{}
	}
	return keys
}

func cmdRename(db *fakeDB, args []string) interface{} {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.load(args[0])
	if !ok {
		return errNoSuchKey
	}
	db.keys.Delete(args[0])
	db.keys.Store(args[1], e)
	return resp.OK
}

func cmdFlush(db *fakeDB, _ []string) interface{} {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.keys.Clear()
	return resp.OK
}

// incrBy adds the decimal delta to the integer at key. If mustExist is
// true and the key does not exist, it returns nil and leaves the key
// missing.
func incrBy(db *fakeDB, key, delta string, mustExist bool) interface{} {
	d, err := strconv.ParseInt(delta, 10, 64)
	if err != nil {
		return errNotInteger
	}

	var reply interface{}
	db.update(key, func(e entry, ok bool) (entry, bool) {
		if !ok {
			if mustExist {
				return e, true
			}
			e = entry{typ: typeString, str: []byte("0")}
		}
		if e.typ != typeString {
			reply = errWrongType
			return e, false
		}
		cur, err := strconv.ParseInt(string(e.str), 10, 64)
		if err != nil {
			reply = errNotInteger
			return e, !ok
		}
		sum := cur + d
		if (d > 0 && sum < cur) || (d < 0 && sum > cur) {
			reply = resp.Error("ERR increment or decrement would overflow")
			return e, !ok
		}
		e.str = strconv.AppendInt(nil, sum, 10)
		reply = sum
		return e, false
	})
	return reply
}

func pushCmd(tail bool) func(*fakeDB, []string) interface{} {
	return func(db *fakeDB, args []string) interface{} {
		var reply interface{}
		db.update(args[0], func(e entry, ok bool) (entry, bool) {
			if ok && e.typ != typeList {
				reply = errWrongType
				return e, false
			}
			list := make([][]byte, 0, len(e.list)+len(args)-1)
			if tail {
				list = append(list, e.list...)
				for _, v := range args[1:] {
					list = append(list, []byte(v))
				}
			} else {
				for i := len(args) - 1; i >= 1; i-- {
					list = append(list, []byte(args[i]))
				}
				list = append(list, e.list...)
			}
			e.typ, e.list = typeList, list
			reply = int64(len(list))
			return e, false
		})
		return reply
	}
}

func popCmd(tail bool) func(*fakeDB, []string) interface{} {
	return func(db *fakeDB, args []string) interface{} {
		var reply interface{}
		db.update(args[0], func(e entry, ok bool) (entry, bool) {
			if !ok {
				return e, true
			}
			if e.typ != typeList {
				reply = errWrongType
				return e, false
			}
			if tail {
				reply = e.list[len(e.list)-1]
				e.list = e.list[:len(e.list)-1:len(e.list)-1]
			} else {
				reply = e.list[0]
				e.list = e.list[1:]
			}
			return e, len(e.list) == 0
		})
		return reply
	}
}

// normRange converts the inclusive start and stop indices, possibly
// negative, to a slice range of a sequence of length n.
func normRange(start, stop, n int) (int, int) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return 0, 0
	}
	return start, stop + 1
}

func parseRange(args []string) (int, int, bool) {
	start, err1 := strconv.Atoi(args[0])
	stop, err2 := strconv.Atoi(args[1])
	return start, stop, err1 == nil && err2 == nil
}

func cmdLRange(db *fakeDB, args []string) interface{} {
	start, stop, ok := parseRange(args[1:])
	if !ok {
		return errNotInteger
	}
	e, ok := db.load(args[0])
	if !ok {
		return []interface{}{}
	}
	if e.typ != typeList {
		return errWrongType
	}

	lo, hi := normRange(start, stop, len(e.list))
	vals := make([]interface{}, 0, hi-lo)
	for _, v := range e.list[lo:hi] {
		vals = append(vals, v)
	}
	return vals
}

func cmdLIndex(db *fakeDB, args []string) interface{} {
	ix, err := strconv.Atoi(args[1])
	if err != nil {
		return errNotInteger
	}
	e, ok := db.load(args[0])
	if !ok {
		return nil
	}
	if e.typ != typeList {
		return errWrongType
	}
	if ix < 0 {
		ix += len(e.list)
	}
	if ix < 0 || ix >= len(e.list) {
		return nil
	}
	return e.list[ix]
}

func cmdZAdd(db *fakeDB, args []string) interface{} {
	key, rest := args[0], args[1:]

	var nx, xx bool
loop:
	for len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		default:
			break loop
		}
		rest = rest[1:]
	}
	if nx && xx {
		return resp.Error("ERR XX and NX options at the same time are not compatible")
	}
	if len(rest) == 0 || len(rest)%2 != 0 {
		return errSyntax
	}

	scores := make([]float64, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		f, err := parseScore(rest[i])
		if err != nil {
			return errNotFloat
		}
		scores = append(scores, f)
	}

	var reply interface{}
	db.update(key, func(e entry, ok bool) (entry, bool) {
		if ok && e.typ != typeZSet {
			reply = errWrongType
			return e, false
		}
		zset := make(map[string]float64, len(e.zset)+len(scores))
		for m, s := range e.zset {
			zset[m] = s
		}

		var added int64
		for i, s := range scores {
			m := rest[2*i+1]
			_, exists := zset[m]
			if (nx && exists) || (xx && !exists) {
				continue
			}
			if !exists {
				added++
			}
			zset[m] = s
		}
		reply = added
		if len(zset) == 0 {
			return e, true
		}
		e.typ, e.zset = typeZSet, zset
		return e, false
	})
	return reply
}

func parseScore(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "+inf", "inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseBound(s string) (float64, bool, error) {
	if strings.HasPrefix(s, "(") {
		f, err := parseScore(s[1:])
		return f, true, err
	}
	f, err := parseScore(s)
	return f, false, err
}

func cmdZCount(db *fakeDB, args []string) interface{} {
	lo, loEx, err1 := parseBound(args[1])
	hi, hiEx, err2 := parseBound(args[2])
	if err1 != nil || err2 != nil {
		return resp.Error("ERR min or max is not a float")
	}

	e, ok := db.load(args[0])
	if !ok {
		return int64(0)
	}
	if e.typ != typeZSet {
		return errWrongType
	}

	var n int64
	for _, s := range e.zset {
		if (s > lo || (!loEx && s == lo)) && (s < hi || (!hiEx && s == hi)) {
			n++
		}
	}
	return n
}

func zrangeCmd(rev bool) func(*fakeDB, []string) interface{} {
	return func(db *fakeDB, args []string) interface{} {
		start, stop, ok := parseRange(args[1:])
		if !ok {
			return errNotInteger
		}
		withScores := len(args) > 3 && strings.EqualFold(args[3], "WITHSCORES")
		if len(args) > 3 && !withScores {
			return errSyntax
		}

		e, ok := db.load(args[0])
		if !ok {
			return []interface{}{}
		}
		if e.typ != typeZSet {
			return errWrongType
		}

		members := make([]string, 0, len(e.zset))
		for m := range e.zset {
			members = append(members, m)
		}
		sort.Slice(members, func(i, j int) bool {
			a, b := members[i], members[j]
			if rev {
				a, b = b, a
			}
			if e.zset[a] != e.zset[b] {
				return e.zset[a] < e.zset[b]
			}
			return a < b
		})

		lo, hi := normRange(start, stop, len(members))
		var vals []interface{}
		for _, m := range members[lo:hi] {
			vals = append(vals, m)
			if withScores {
				vals = append(vals, strconv.FormatFloat(e.zset[m], 'f', -1, 64))
			}
		}
		if vals == nil {
			vals = []interface{}{}
		}
		return vals
	}
}

func scriptSHA(src string) string {
	sum := sha1.Sum([]byte(src))
	return hex.EncodeToString(sum[:])
}

func cmdScript(db *fakeDB, args []string) interface{} {
	switch strings.ToUpper(args[0]) {
	case "LOAD":
		sha := scriptSHA(args[1])
		db.scripts.Store(sha, args[1])
		return sha
	case "EXISTS":
		res := make([]interface{}, 0, len(args)-1)
		for _, sha := range args[1:] {
			_, ok := db.scripts.Load(strings.ToLower(sha))
			res = append(res, ok)
		}
		return res
	case "FLUSH":
		db.scripts.Clear()
		return resp.OK
	}
	return errSyntax
}

func cmdEval(db *fakeDB, args []string) interface{} {
	db.scripts.Store(scriptSHA(args[0]), args[0])
	return runScript(db, args[0], args[1:])
}

func cmdEvalSHA(db *fakeDB, args []string) interface{} {
	src, ok := db.scripts.Load(strings.ToLower(args[0]))
	if !ok {
		return errNoScript
	}
	return runScript(db, src, args[1:])
}

// runScript runs the scripts known to the fake server: INCRBY, possibly
// guarded by an EXISTS check that returns nil for a missing key.
func runScript(db *fakeDB, src string, args []string) interface{} {
	numKeys, err := strconv.Atoi(args[0])
	if err != nil || numKeys < 0 || numKeys > len(args)-1 {
		return resp.Error("ERR Number of keys can't be greater than number of args")
	}
	keys, argv := args[1:1+numKeys], args[1+numKeys:]

	if strings.Contains(src, "INCRBY") && len(keys) == 1 && len(argv) == 1 {
		reply := incrBy(db, keys[0], argv[0], strings.Contains(src, "EXISTS"))
		if re, ok := reply.(resp.Error); ok {
			return resp.Errorf("ERR Error running script: %s", strings.TrimPrefix(string(re), "ERR "))
		}
		return reply
	}
	return resp.Error("ERR unsupported script")
}
