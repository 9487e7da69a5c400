package ratelimit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// Policy is a named allowance: at most MaxRequests per Window per key.
type Policy struct {
	Name        string        `yaml:"-"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return xerrors.New("policy name is required")
	}
	if p.MaxRequests < 1 {
		return xerrors.Newf("policy %q: max_requests must be >= 1 (got %d)", p.Name, p.MaxRequests)
	}
	if p.Window <= 0 {
		return xerrors.Newf("policy %q: window must be positive (got %s)", p.Name, p.Window)
	}
	return nil
}

// Built-in policy names.
const (
	PolicyAPI      = "api"
	PolicyAuth     = "auth"
	PolicyMutation = "mutation"
	PolicyWebhook  = "webhook"
)

// DefaultPolicies returns the built-in policy set.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAPI:      {Name: PolicyAPI, MaxRequests: 60, Window: time.Minute},
		PolicyAuth:     {Name: PolicyAuth, MaxRequests: 5, Window: 15 * time.Minute},
		PolicyMutation: {Name: PolicyMutation, MaxRequests: 30, Window: time.Minute},
		PolicyWebhook:  {Name: PolicyWebhook, MaxRequests: 120, Window: time.Minute},
	}
}

// PolicySet holds the active policies and can be swapped atomically while
// requests are in flight.
type PolicySet struct {
	p atomic.Pointer[map[string]Policy]
}

// NewPolicySet starts from the defaults overlaid with extra.
func NewPolicySet(extra map[string]Policy) (*PolicySet, error) {
	s := &PolicySet{}
	if err := s.Replace(extra); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the named policy.
func (s *PolicySet) Get(name string) (Policy, bool) {
	m := s.p.Load()
	if m == nil {
		p, ok := DefaultPolicies()[name]
		return p, ok
	}
	p, ok := (*m)[name]
	return p, ok
}

// Names lists active policy names in sorted order.
func (s *PolicySet) Names() []string {
	m := s.p.Load()
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(*m))
	for k := range *m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Replace validates overrides and installs defaults+overrides. On error the
// current set is left untouched.
func (s *PolicySet) Replace(overrides map[string]Policy) error {
	next := DefaultPolicies()
	var errs []error
	for name, p := range overrides {
		p.Name = name
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		next[name] = p
	}
	if len(errs) > 0 {
		return xerrors.Join(errs...)
	}
	s.p.Store(&next)
	return nil
}

// policyFile is the on-disk shape:
//
//	policies:
//	  api:
//	    max_requests: 60
//	    window: 1m
type policyFile struct {
	Policies map[string]Policy `yaml:"policies"`
}

// ParsePolicies decodes a policy document. Unknown fields are rejected so a
// typo does not silently fall back to defaults.
func ParsePolicies(data []byte) (map[string]Policy, error) {
	var f policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(err, "decode policy file")
	}
	for name, p := range f.Policies {
		p.Name = name
		f.Policies[name] = p
	}
	return f.Policies, nil
}

// LoadFile reads path and replaces the active set.
func (s *PolicySet) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrapf(err, "read policy file %s", path)
	}
	overrides, err := ParsePolicies(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return s.Replace(overrides)
}

type policyView struct {
	Name          string  `json:"name"`
	MaxRequests   int     `json:"max_requests"`
	Window        string  `json:"window"`
	WindowSeconds float64 `json:"window_seconds"`
}

// Handler lists the active policies as JSON, for the ops port.
func (s *PolicySet) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		names := s.Names()
		out := make([]policyView, 0, len(names))
		for _, n := range names {
			p, _ := s.Get(n)
			out = append(out, policyView{
				Name:          n,
				MaxRequests:   p.MaxRequests,
				Window:        p.Window.String(),
				WindowSeconds: p.Window.Seconds(),
			})
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(map[string]any{"policies": out})
	})
}
