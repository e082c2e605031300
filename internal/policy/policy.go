// Package policy decides whether a call is recorded at all.
package policy

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fllarpy/request-profiler/domain"
)

// Sampler gates recording of a single call.
type Sampler interface {
	Sample() bool
}

// SamplerFunc adapts a plain function to Sampler.
type SamplerFunc func() bool

func (f SamplerFunc) Sample() bool { return f() }

// Policy is the ignore and sampling rule set of one profiler. It is immutable
// and safe for concurrent use.
type Policy struct {
	ignore  []*regexp.Regexp
	sampler any
}

// New compiles the ignore patterns. sampler may be nil, a func() bool, a
// SamplerFunc or a Sampler; any other value is reported by ShouldRecord on
// first use.
func New(ignore []string, sampler any) (*Policy, error) {
	p := &Policy{sampler: sampler}
	for _, pattern := range ignore {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: ignore pattern %q: %v", domain.ErrInvalidConfiguration, pattern, err)
		}
		p.ignore = append(p.ignore, re)
	}
	return p, nil
}

// Ignored reports whether any ignore pattern matches somewhere in name.
func (p *Policy) Ignored(name string) bool {
	for _, re := range p.ignore {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Sampled consults the sampler. A sampler of an unsupported type, or a typed
// nil function, is ErrInvalidConfiguration.
func (p *Policy) Sampled() (bool, error) {
	switch s := p.sampler.(type) {
	case nil:
		return true, nil
	case SamplerFunc:
		if s == nil {
			return false, errNilSampler(p.sampler)
		}
		return s(), nil
	case Sampler:
		return s.Sample(), nil
	case func() bool:
		if s == nil {
			return false, errNilSampler(p.sampler)
		}
		return s(), nil
	default:
		return false, fmt.Errorf("%w: sampling function must be callable, got %T",
			domain.ErrInvalidConfiguration, p.sampler)
	}
}

func errNilSampler(s any) error {
	return fmt.Errorf("%w: sampling function is a nil %T", domain.ErrInvalidConfiguration, s)
}

// ShouldRecord applies the ignore rules first, then sampling.
func (p *Policy) ShouldRecord(name string) (bool, error) {
	if p.Ignored(name) {
		return false, nil
	}
	return p.Sampled()
}

// Probability returns a sampler accepting each call with probability p.
func Probability(p float64) Sampler {
	return SamplerFunc(func() bool {
		return rand.Float64() < p
	})
}

// RateLimited returns a sampler accepting at most perSecond calls per second
// with the given burst.
func RateLimited(perSecond float64, burst int) Sampler {
	if burst < 1 {
		burst = 1
	}
	return &limiterSampler{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

type limiterSampler struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

func (s *limiterSampler) Sample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter.AllowN(time.Now(), 1)
}

// All combines samplers; a call is recorded only if every sampler accepts it.
func All(samplers ...Sampler) Sampler {
	return SamplerFunc(func() bool {
		for _, s := range samplers {
			if !s.Sample() {
				return false
			}
		}
		return true
	})
}
