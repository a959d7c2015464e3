package rediscache

import (
	"math/rand"
	"sync"
	"time"
)

// Selector chooses the index of the server to use for a command, among
// count servers. Index 0 is the primary, the others are replicas. The
// tried indices have already failed for the current call and must not be
// returned again while untried indices remain.
type Selector interface {
	SelectIndex(write bool, tried []int, count int) int
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(write bool, tried []int, count int) int

// SelectIndex implements Selector.
func (f SelectorFunc) SelectIndex(write bool, tried []int, count int) int {
	return f(write, tried, count)
}

// RandomSelector is the default Selector. After a failure it picks a
// random untried server. Otherwise writes go to the primary, as well as
// reads when there is no replica, and reads go to a random replica.
type RandomSelector struct{}

// a *rand.Rand is not safe for concurrent access
var rnd = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

func randIntn(n int) int {
	rnd.Lock()
	defer rnd.Unlock()
	return rnd.Intn(n)
}

// SelectIndex implements Selector.
func (RandomSelector) SelectIndex(write bool, tried []int, count int) int {
	if len(tried) > 0 && len(tried) < count {
		notTried := make([]int, 0, count-len(tried))
		for i := 0; i < count; i++ {
			if !containsIndex(tried, i) {
				notTried = append(notTried, i)
			}
		}
		if len(notTried) > 0 {
			return notTried[randIntn(len(notTried))]
		}
	}

	if write || count == 1 {
		return 0
	}
	return 1 + randIntn(count-1)
}

func containsIndex(s []int, i int) bool {
	for _, v := range s {
		if v == i {
			return true
		}
	}
	return false
}
