// Package classifier compiles the classifier trees of the configuration into
// matchers over an outbound target (host, resolved IP, port).
package classifier

import (
	"fmt"
	"net"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/interzept/interzept-srv/config"
)

// Input is the target a classifier decides on.
type Input struct {
	Host string // lower-cased host name or IP literal, without port
	IP   string // resolved or literal IP, may be empty
	Port int
}

// NewInput builds an Input from host and port, filling IP for literal addresses.
func NewInput(host string, port int) Input {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	in := Input{Host: host, Port: port}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		in.IP = ip.String()
	}
	return in
}

// Classifier decides whether an Input matches.
type Classifier interface {
	Classify(input Input) (bool, error)
}

// And matches when all children match.
type And struct {
	Classifiers []Classifier
}

func (c *And) Classify(input Input) (bool, error) {
	for _, child := range c.Classifiers {
		ok, err := child.Classify(input)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Or matches when any child matches.
type Or struct {
	Classifiers []Classifier
}

func (c *Or) Classify(input Input) (bool, error) {
	for _, child := range c.Classifiers {
		ok, err := child.Classify(input)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Not negates its child.
type Not struct {
	Classifier Classifier
}

func (c *Not) Classify(input Input) (bool, error) {
	ok, err := c.Classifier.Classify(input)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Domain compares the host against a single domain.
type Domain struct {
	Op     config.ClassifierOp
	Domain string
}

func (c *Domain) Classify(input Input) (bool, error) {
	switch c.Op {
	case config.ClassifierOpEqual:
		return input.Host == c.Domain, nil
	case config.ClassifierOpNotEqual:
		return input.Host != c.Domain, nil
	case config.ClassifierOpContains:
		return strings.Contains(input.Host, c.Domain), nil
	case config.ClassifierOpNotContains:
		return !strings.Contains(input.Host, c.Domain), nil
	case config.ClassifierOpIs:
		return isDomainOrSubdomain(input.Host, c.Domain), nil
	default:
		return false, fmt.Errorf("unsupported domain classifier operation: %v", c.Op)
	}
}

func isDomainOrSubdomain(host, domain string) bool {
	if !strings.HasSuffix(host, domain) {
		return false
	}
	if len(host) == len(domain) {
		return true
	}
	return host[len(host)-len(domain)-1] == '.'
}

// DomainSet matches a host against many domains at once using an
// Aho-Corasick trie. With Subdomains set, subdomains of a listed domain match too.
type DomainSet struct {
	Trie       *ahocorasick.Trie
	Domains    []string
	Subdomains bool
}

// NewDomainSet builds the trie over domains.
func NewDomainSet(domains []string, subdomains bool) *DomainSet {
	set := &DomainSet{Domains: domains, Subdomains: subdomains}
	if len(domains) > 0 {
		set.Trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	}
	return set
}

func (c *DomainSet) Classify(input Input) (bool, error) {
	if c.Trie == nil {
		return false, nil
	}
	for _, match := range c.Trie.MatchString(input.Host) {
		domain := c.Domains[match.Pattern()]
		if input.Host == domain {
			return true, nil
		}
		if c.Subdomains && isDomainOrSubdomain(input.Host, domain) {
			return true, nil
		}
	}
	return false, nil
}

// Port matches the target port.
type Port struct {
	Port int
}

func (c *Port) Classify(input Input) (bool, error) {
	if input.Port == 0 {
		return false, fmt.Errorf("target port not provided in classifier input")
	}
	return input.Port == c.Port, nil
}

// IP matches a literal IP address. Hosts without a known IP never match.
type IP struct {
	IP net.IP
}

func (c *IP) Classify(input Input) (bool, error) {
	if input.IP == "" {
		return false, nil
	}
	return c.IP.Equal(net.ParseIP(input.IP)), nil
}

// Network matches IPs inside a CIDR range.
type Network struct {
	Net *net.IPNet
}

func (c *Network) Classify(input Input) (bool, error) {
	if input.IP == "" {
		return false, nil
	}
	ip := net.ParseIP(input.IP)
	if ip == nil {
		return false, fmt.Errorf("invalid IP %q in classifier input", input.IP)
	}
	return c.Net.Contains(ip), nil
}

// Ref delegates to a named classifier.
type Ref struct {
	Id    string
	named map[string]Classifier
}

func (c *Ref) Classify(input Input) (bool, error) {
	target, ok := c.named[c.Id]
	if !ok {
		return false, fmt.Errorf("classifier with ID '%s' not found", c.Id)
	}
	return target.Classify(input)
}

// True always matches.
type True struct{}

func (c *True) Classify(Input) (bool, error) { return true, nil }

// False never matches.
type False struct{}

func (c *False) Classify(Input) (bool, error) { return false, nil }
