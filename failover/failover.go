//
// Copyright © 2011-2017 Guy M. Allard
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed, an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package failover parses the failover URI DSL (spec §4.F, §3) and
// implements the pure (broker, delay) iterator that drives reconnect.
// Nothing here sleeps or dials; the consumer performs the actual waits
// and connects.
package failover

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// ConnectionError is the transport-layer error kind raised when the
// iterator has exhausted every permitted attempt.
type ConnectionError struct {
	cause error
}

func (e *ConnectionError) Error() string { return e.cause.Error() }
func (e *ConnectionError) Unwrap() error { return e.cause }

// Broker is one `scheme://host:port` endpoint.
type Broker struct {
	Scheme string
	Host   string
	Port   int
}

func (b Broker) String() string {
	return b.Scheme + "://" + b.Host + ":" + strconv.Itoa(b.Port)
}

// Policy is the parsed reconnect policy (spec §3 "Failover descriptor").
type Policy struct {
	InitialReconnectDelayMS  int
	MaxReconnectDelayMS      int
	BackOffMultiplier        float64
	UseExponentialBackOff    bool
	StartupMaxReconnectTries int
	MaxReconnectTries        int // -1 = unlimited
	Randomize                bool
	PriorityBackup           bool
}

// DefaultPolicy mirrors spec §3's documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		InitialReconnectDelayMS:  10,
		MaxReconnectDelayMS:      30000,
		BackOffMultiplier:        2.0,
		UseExponentialBackOff:    true,
		StartupMaxReconnectTries: 0,
		MaxReconnectTries:        -1,
		Randomize:                true,
		PriorityBackup:           false,
	}
}

// Descriptor is the fully parsed form of a failover: URI.
type Descriptor struct {
	Brokers []Broker
	Policy  Policy
}

var (
	failoverRe = regexp.MustCompile(`^failover:\((.*)\)(?:\?(.*))?$`)
	brokerRe   = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*)://([^:/]+):(\d+)$`)
	simpleRe   = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*)://([^:/]+):(\d+)$`)
)

// ParseURI parses a `failover:(scheme://host:port,...)?opt=val,...` URI,
// or a single bare `scheme://host:port` (equivalent to one-broker
// failover with default policy, per spec §6).
func ParseURI(uri string) (Descriptor, error) {
	if m := simpleRe.FindStringSubmatch(uri); m != nil && !strings.HasPrefix(uri, "failover:") {
		port, _ := strconv.Atoi(m[3])
		return Descriptor{
			Brokers: []Broker{{Scheme: m[1], Host: m[2], Port: port}},
			Policy:  DefaultPolicy(),
		}, nil
	}

	m := failoverRe.FindStringSubmatch(uri)
	if m == nil {
		return Descriptor{}, errors.Errorf("failover: malformed URI: %q", uri)
	}

	var brokers []Broker
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bm := brokerRe.FindStringSubmatch(part)
		if bm == nil {
			return Descriptor{}, errors.Errorf("failover: malformed broker: %q", part)
		}
		port, _ := strconv.Atoi(bm[3])
		brokers = append(brokers, Broker{Scheme: bm[1], Host: bm[2], Port: port})
	}
	if len(brokers) == 0 {
		return Descriptor{}, errors.New("failover: no brokers in URI")
	}

	policy, err := parseOptions(m[2])
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Brokers: brokers, Policy: policy}, nil
}

func parseOptions(raw string) (Policy, error) {
	p := DefaultPolicy()
	if raw == "" {
		return p, nil
	}
	for _, kv := range strings.Split(raw, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return Policy{}, errors.Errorf("failover: malformed option: %q", kv)
		}
		key, val := parts[0], parts[1]
		switch key {
		case "initialReconnectDelay":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Policy{}, err
			}
			p.InitialReconnectDelayMS = n
		case "maxReconnectDelay":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Policy{}, err
			}
			p.MaxReconnectDelayMS = n
		case "backOffMultiplier":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Policy{}, err
			}
			p.BackOffMultiplier = f
		case "useExponentialBackOff":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return Policy{}, err
			}
			p.UseExponentialBackOff = b
		case "startupMaxReconnectAttempts":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Policy{}, err
			}
			p.StartupMaxReconnectTries = n
		case "maxReconnectAttempts":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Policy{}, err
			}
			p.MaxReconnectTries = n
		case "randomize":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return Policy{}, err
			}
			p.Randomize = b
		case "priorityBackup":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return Policy{}, err
			}
			p.PriorityBackup = b
		default:
			return Policy{}, errors.Errorf("failover: unknown option: %q", key)
		}
	}
	return p, nil
}

// Iterator yields (broker, delay) pairs per Policy. It is pure: Next
// never sleeps or dials, it only computes what the caller should do
// next. Delay arithmetic is delegated to
// github.com/cenkalti/backoff/v5's ExponentialBackOff; broker selection
// (round-robin / priority-first / randomize-per-round) is this package's
// own, since the library has no notion of "broker".
type Iterator struct {
	brokers []Broker
	policy  Policy
	rng     *rand.Rand

	order       []int // current round's broker order (indices into brokers)
	posInRound  int
	round       int
	firstEver   bool
	attemptsRun int
	roundDelay  time.Duration // delay shared by every attempt in the current round

	bo *backoff.ExponentialBackOff
}

// NewIterator builds an Iterator over d's brokers and policy. seed fixes
// the randomize shuffle for reproducible tests; pass time.Now().UnixNano()
// in production.
func NewIterator(d Descriptor, seed int64) *Iterator {
	it := &Iterator{
		brokers:   d.Brokers,
		policy:    d.Policy,
		rng:       rand.New(rand.NewSource(seed)),
		firstEver: true,
	}
	it.bo = &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(d.Policy.InitialReconnectDelayMS) * time.Millisecond,
		MaxInterval:         time.Duration(d.Policy.MaxReconnectDelayMS) * time.Millisecond,
		Multiplier:          d.Policy.BackOffMultiplier,
		RandomizationFactor: 0,
	}
	it.bo.Reset() // arm currentInterval at InitialInterval before the first round transition
	it.newRound()
	return it
}

func (it *Iterator) newRound() {
	it.order = make([]int, len(it.brokers))
	for i := range it.order {
		it.order[i] = i
	}
	if it.policy.Randomize {
		it.rng.Shuffle(len(it.order), func(i, j int) { it.order[i], it.order[j] = it.order[j], it.order[i] })
	}
	if it.policy.PriorityBackup {
		// The first broker in list order is always tried first; it only
		// falls through to the shuffled remainder after failing.
		rest := make([]int, 0, len(it.order)-1)
		for _, idx := range it.order {
			if idx != 0 {
				rest = append(rest, idx)
			}
		}
		it.order = append([]int{0}, rest...)
	}
	it.posInRound = 0

	if it.round == 0 {
		it.roundDelay = 0
		return
	}
	if !it.policy.UseExponentialBackOff {
		it.roundDelay = time.Duration(it.policy.InitialReconnectDelayMS) * time.Millisecond
		return
	}
	d, err := it.bo.NextBackOff()
	if err != nil {
		d = time.Duration(it.policy.MaxReconnectDelayMS) * time.Millisecond
	}
	it.roundDelay = d
}

// Next returns the next (broker, delay) to try, or a *ConnectionError
// once the configured attempt budget (startup vs runtime) is exhausted.
// Per spec §4.F the delay changes only at round boundaries: every broker
// attempt within one round shares that round's delay.
func (it *Iterator) Next() (Broker, time.Duration, error) {
	maxTries := it.policy.MaxReconnectTries
	if it.firstEver {
		maxTries = it.policy.StartupMaxReconnectTries
	}
	maxRounds := -1
	if maxTries >= 0 {
		maxRounds = maxTries + 1
	}
	if maxRounds >= 0 && it.round >= maxRounds {
		return Broker{}, 0, &ConnectionError{cause: errors.New("maximum retries reached")}
	}

	if it.posInRound >= len(it.order) {
		it.round++
		if maxRounds >= 0 && it.round >= maxRounds {
			return Broker{}, 0, &ConnectionError{cause: errors.New("maximum retries reached")}
		}
		it.newRound()
	}

	idx := it.order[it.posInRound]
	broker := it.brokers[idx]
	delay := it.roundDelay

	it.posInRound++
	it.attemptsRun++
	return broker, delay, nil
}

// Succeeded tells the iterator a connect attempt finally landed. It
// resets the round/attempt counters and, from here on, Next applies
// Policy.MaxReconnectTries instead of Policy.StartupMaxReconnectTries —
// "the first connect ever" (spec §4.F) has now happened. Call this
// once, after the broker returned by the most recent Next() actually
// accepted the connection.
func (it *Iterator) Succeeded() {
	it.firstEver = false
	it.round = 0
	it.attemptsRun = 0
	it.bo.Reset()
	it.newRound()
}
