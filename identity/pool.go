// Package identity issues the user agent and proxy a browser session presents.
//
// Lists are loaded once and shared read-only; each Pool keeps its own working
// copy so that an entry is not reissued until every other entry has been used.
package identity

import (
	"math/rand"
	"time"
)

// Identity is the pair a session presents to the remote site. Empty fields mean "not set".
type Identity struct {
	UserAgent string
	Proxy     string
}

// Lists holds the user agents and proxies loaded at startup. Treat as read-only.
type Lists struct {
	UserAgents []string
	Proxies    []string
}

// HasProxies reports whether proxy rotation is possible
func (l *Lists) HasProxies() bool {
	return l != nil && len(l.Proxies) > 0
}

// Pool hands out identities drawn from shared Lists. It is not safe for concurrent use.
type Pool struct {
	proxies    *rotation
	userAgents *rotation
	synthetic  *UserAgentGenerator
}

// NewPool creates a pool over lists. A nil lists behaves as empty.
func NewPool(lists *Lists) *Pool {
	return NewPoolWithRand(lists, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewPoolWithRand is NewPool with a caller supplied random source
func NewPoolWithRand(lists *Lists, rng *rand.Rand) *Pool {
	if lists == nil {
		lists = &Lists{}
	}
	return &Pool{
		proxies:    newRotation(lists.Proxies, rng),
		userAgents: newRotation(lists.UserAgents, rng),
		synthetic:  NewUserAgentGenerator(rng),
	}
}

// NextProxy returns a proxy other than exclude. ok is false when no proxies are configured.
// exclude is only returned when it is the sole candidate left.
func (p *Pool) NextProxy(exclude string) (proxy string, ok bool) {
	return p.proxies.next(exclude)
}

// NextUserAgent returns the next listed user agent, or a synthetic one when none are listed
func (p *Pool) NextUserAgent() string {
	if ua, ok := p.userAgents.next(""); ok {
		return ua
	}
	return p.synthetic.Generate()
}

// rotation draws without replacement from a working set and refills it when it runs dry
type rotation struct {
	full    []string
	working []string
	last    string
	rng     *rand.Rand
}

func newRotation(full []string, rng *rand.Rand) *rotation {
	r := &rotation{full: full, rng: rng}
	r.refill()
	return r
}

func (r *rotation) refill() {
	r.working = append(r.working[:0], r.full...)
}

func (r *rotation) next(exclude string) (string, bool) {
	if len(r.working) == 0 {
		return "", false
	}

	candidates := r.candidates(func(s string) bool { return s != exclude && s != r.last })
	if len(candidates) == 0 {
		candidates = r.candidates(func(s string) bool { return s != exclude })
	}
	if len(candidates) == 0 {
		candidates = r.candidates(func(string) bool { return true })
	}

	idx := candidates[r.rng.Intn(len(candidates))]
	chosen := r.working[idx]
	r.working = append(r.working[:idx], r.working[idx+1:]...)
	if len(r.working) == 0 {
		r.refill()
	}
	r.last = chosen
	return chosen, true
}

// candidates returns indexes into the working set that satisfy keep
func (r *rotation) candidates(keep func(string) bool) []int {
	var out []int
	for i, s := range r.working {
		if keep(s) {
			out = append(out, i)
		}
	}
	return out
}
