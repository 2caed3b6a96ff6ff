package classifier

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
)

// Set is a group of compiled named classifiers that Ref classifiers resolve against.
type Set struct {
	named map[string]Classifier
}

// NewSet compiles the named classifiers of a configuration.
func NewSet(classifiers map[string]config.Classifier) (*Set, error) {
	s := &Set{named: make(map[string]Classifier, len(classifiers))}
	for name, c := range classifiers {
		compiled, err := s.Compile(c)
		if err != nil {
			return nil, fmt.Errorf("classifier %q: %w", name, err)
		}
		s.named[name] = compiled
	}
	return s, nil
}

// Get returns the named classifier.
func (s *Set) Get(name string) (Classifier, bool) {
	c, ok := s.named[name]
	return c, ok
}

// Compile turns a configured classifier into a matcher. References are
// resolved at classification time against the set.
func (s *Set) Compile(c config.Classifier) (Classifier, error) {
	if c == nil {
		return nil, fmt.Errorf("nil classifier provided")
	}

	switch cc := c.(type) {
	case *config.ClassifierAnd:
		children, err := s.compileAll(cc.Classifiers)
		if err != nil {
			return nil, err
		}
		return &And{Classifiers: children}, nil
	case *config.ClassifierOr:
		if optimized, err := s.compileDomainOr(cc); optimized != nil || err != nil {
			return optimized, err
		}
		children, err := s.compileAll(cc.Classifiers)
		if err != nil {
			return nil, err
		}
		return &Or{Classifiers: children}, nil
	case *config.ClassifierNot:
		child, err := s.Compile(cc.Classifier)
		if err != nil {
			return nil, err
		}
		return &Not{Classifier: child}, nil
	case *config.ClassifierDomain:
		if cc.Op > config.ClassifierOpIs {
			return nil, fmt.Errorf("unsupported domain classifier operation: %v", cc.Op)
		}
		return &Domain{Op: cc.Op, Domain: strings.ToLower(cc.Domain)}, nil
	case *config.ClassifierDomainsFile:
		domains, err := LoadDomainsFile(cc.FilePath)
		if err != nil {
			return nil, err
		}
		return NewDomainSet(domains, true), nil
	case *config.ClassifierIP:
		ip := net.ParseIP(cc.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP '%s'", cc.IP)
		}
		return &IP{IP: ip}, nil
	case *config.ClassifierNetwork:
		_, ipNet, err := net.ParseCIDR(cc.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR format '%s': %w", cc.CIDR, err)
		}
		return &Network{Net: ipNet}, nil
	case *config.ClassifierPort:
		return &Port{Port: cc.Port}, nil
	case *config.ClassifierRef:
		return &Ref{Id: cc.Id, named: s.named}, nil
	case *config.ClassifierTrue:
		return &True{}, nil
	case *config.ClassifierFalse:
		return &False{}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %v", c.Type())
	}
}

func (s *Set) compileAll(classifiers []config.Classifier) ([]Classifier, error) {
	result := make([]Classifier, 0, len(classifiers))
	for _, c := range classifiers {
		compiled, err := s.Compile(c)
		if err != nil {
			return nil, err
		}
		result = append(result, compiled)
	}
	return result, nil
}

// compileDomainOr collapses an OR over equal-domains, or over is-domains and
// domain files, into DomainSets. Returns nil when the OR has other children.
func (s *Set) compileDomainOr(or *config.ClassifierOr) (Classifier, error) {
	var exact, suffix []string
	var files []string
	for _, child := range or.Classifiers {
		switch c := child.(type) {
		case *config.ClassifierDomain:
			switch c.Op {
			case config.ClassifierOpEqual:
				exact = append(exact, strings.ToLower(c.Domain))
			case config.ClassifierOpIs:
				suffix = append(suffix, strings.ToLower(c.Domain))
			default:
				return nil, nil
			}
		case *config.ClassifierDomainsFile:
			files = append(files, c.FilePath)
		default:
			return nil, nil
		}
	}
	if len(exact)+len(suffix)+len(files) < 2 {
		return nil, nil
	}

	for _, path := range files {
		domains, err := LoadDomainsFile(path)
		if err != nil {
			return nil, err
		}
		suffix = append(suffix, domains...)
	}

	var sets []Classifier
	if len(exact) > 0 {
		sets = append(sets, NewDomainSet(exact, false))
	}
	if len(suffix) > 0 {
		sets = append(sets, NewDomainSet(suffix, true))
	}
	logger.Debug("Compiled OR classifier into %d Aho-Corasick sets (%d exact, %d suffix domains)",
		len(sets), len(exact), len(suffix))
	if len(sets) == 1 {
		return sets[0], nil
	}
	return &Or{Classifiers: sets}, nil
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// LoadDomainsFile reads a hosts-style domain list. Comments start with # or ;,
// "0.0.0.0" sink addresses are skipped and "*.example.com" is read as example.com.
func LoadDomainsFile(filePath string) ([]string, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := rgComment.FindStringSubmatch(strings.TrimSpace(scanner.Text()))[1]
		if line == "" {
			continue
		}
		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" || domain == "127.0.0.1" {
				continue
			}
			domains = append(domains, strings.ToLower(strings.TrimPrefix(domain, "*.")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	if len(domains) == 0 {
		logger.Warn("No domains found in file: %s", filePath)
	} else {
		logger.Debug("Loaded %d domains from file: %s", len(domains), filePath)
	}
	return domains, nil
}
