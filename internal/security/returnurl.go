package security

import (
	"errors"
	"net/url"
	"strings"
)

// ErrReturnURL is returned for a payer redirect target the API will not
// hand to the payment gateway.
var ErrReturnURL = errors.New("return URL is not allowed")

// ReturnURLPolicy decides where a payment gateway may send the payer back
// to. With no origins configured any absolute http(s) URL is accepted.
type ReturnURLPolicy struct {
	hosts map[string]bool
}

// NewReturnURLPolicy allows the hosts of the given origins. Empty and
// wildcard entries are ignored.
func NewReturnURLPolicy(origins ...string) *ReturnURLPolicy {
	p := &ReturnURLPolicy{hosts: make(map[string]bool)}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		p.hosts[strings.ToLower(u.Host)] = true
	}
	return p
}

// Check validates raw. An empty URL is allowed; the gateway then returns
// to the escrow page.
func (p *ReturnURLPolicy) Check(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrReturnURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrReturnURL
	}
	if u.Host == "" || u.User != nil {
		return ErrReturnURL
	}
	if len(p.hosts) > 0 && !p.hosts[strings.ToLower(u.Host)] {
		return ErrReturnURL
	}
	return nil
}
