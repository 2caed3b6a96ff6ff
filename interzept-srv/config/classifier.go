package config

import "fmt"

// ClassifierType defines the type of classifier for traffic filtering.
type ClassifierType int

const (
	// ClassifierTypeAnd represents a logical AND operation across multiple classifiers.
	ClassifierTypeAnd ClassifierType = iota
	// ClassifierTypeOr represents a logical OR operation across multiple classifiers.
	ClassifierTypeOr
	// ClassifierTypeNot represents a logical NOT operation on a classifier.
	ClassifierTypeNot
	// ClassifierTypeDomain matches against domain names.
	ClassifierTypeDomain
	// ClassifierTypeRef references another classifier by name.
	ClassifierTypeRef
	// ClassifierTypeIP matches against IP addresses.
	ClassifierTypeIP
	// ClassifierTypeNetwork matches against network ranges.
	ClassifierTypeNetwork
	// ClassifierTypePort matches against port numbers.
	ClassifierTypePort
	// ClassifierTypeTrue always returns true.
	ClassifierTypeTrue
	// ClassifierTypeFalse always returns false.
	ClassifierTypeFalse
	// ClassifierTypeDomainsFile matches against domains loaded from a file.
	ClassifierTypeDomainsFile
)

// ClassifierOp defines the operation type for string comparisons.
type ClassifierOp int

const (
	// ClassifierOpEqual checks for equality.
	ClassifierOpEqual ClassifierOp = iota
	// ClassifierOpNotEqual checks for inequality.
	ClassifierOpNotEqual
	// ClassifierOpContains checks if string contains substring.
	ClassifierOpContains
	// ClassifierOpNotContains checks if string does not contain substring.
	ClassifierOpNotContains
	// ClassifierOpIs matches the domain itself or any of its subdomains.
	ClassifierOpIs
)

// Classifier defines the interface for all classifier configurations.
// Compilation into matchers happens in the classifier package.
type Classifier interface {
	Type() ClassifierType
}

// ClassifierDomainsFile holds the path to a file containing domains for matching.
type ClassifierDomainsFile struct {
	FilePath string
}

func (c *ClassifierDomainsFile) Type() ClassifierType { return ClassifierTypeDomainsFile }

// ClassifierPort matches traffic based on the target port.
type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Type() ClassifierType { return ClassifierTypePort }

// ClassifierAnd matches when all children match.
type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Type() ClassifierType { return ClassifierTypeAnd }

// ClassifierOr matches when any child matches.
type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Type() ClassifierType { return ClassifierTypeOr }

// ClassifierNot negates the result of another classifier.
type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Type() ClassifierType { return ClassifierTypeNot }

// ClassifierDomain matches the target host name.
type ClassifierDomain struct {
	Op     ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Type() ClassifierType { return ClassifierTypeDomain }

// ClassifierRef references a named classifier from Config.Classifiers.
type ClassifierRef struct {
	Id string
}

func (c *ClassifierRef) Type() ClassifierType { return ClassifierTypeRef }

// ClassifierIP matches a single IP address.
type ClassifierIP struct {
	IP string
}

func (c *ClassifierIP) Type() ClassifierType { return ClassifierTypeIP }

// ClassifierNetwork matches IP addresses within a CIDR range.
type ClassifierNetwork struct {
	CIDR string
}

func (c *ClassifierNetwork) Type() ClassifierType { return ClassifierTypeNetwork }

// ClassifierTrue always matches.
type ClassifierTrue struct{}

func (c *ClassifierTrue) Type() ClassifierType { return ClassifierTypeTrue }

// ClassifierFalse never matches.
type ClassifierFalse struct{}

func (c *ClassifierFalse) Type() ClassifierType { return ClassifierTypeFalse }

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	classifierType, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	parseChildren := func() ([]Classifier, error) {
		var result []Classifier
		children, _ := classifierMap["classifiers"].([]any)
		for i, child := range children {
			childMap, ok := child.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s classifier child %d must be an object", classifierType, i)
			}
			c, err := parseClassifier(childMap)
			if err != nil {
				return nil, err
			}
			result = append(result, c)
		}
		return result, nil
	}

	switch classifierType {
	case "and":
		children, err := parseChildren()
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: children}, nil
	case "or":
		children, err := parseChildren()
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: children}, nil
	case "not":
		inner, ok := classifierMap["classifier"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not classifier requires a 'classifier' object")
		}
		c, err := parseClassifier(inner)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: c}, nil
	case "domain":
		domainClassifier := &ClassifierDomain{}
		if domain, ok := classifierMap["domain"].(string); ok {
			domainClassifier.Domain = domain
		}
		if op, ok := classifierMap["op"].(string); ok {
			domainClassifier.Op = parseClassifierOp(op)
		}
		return domainClassifier, nil
	case "ip":
		ip, _ := classifierMap["ip"].(string)
		return &ClassifierIP{IP: ip}, nil
	case "network":
		cidr, _ := classifierMap["cidr"].(string)
		return &ClassifierNetwork{CIDR: cidr}, nil
	case "port":
		port, err := parseValue[int](classifierMap["port"])
		if err != nil {
			return nil, fmt.Errorf("port classifier: %w", err)
		}
		return &ClassifierPort{Port: *port}, nil
	case "ref":
		id, _ := classifierMap["id"].(string)
		return &ClassifierRef{Id: id}, nil
	case "true":
		return &ClassifierTrue{}, nil
	case "false":
		return &ClassifierFalse{}, nil
	case "domains-file":
		filePath, ok := classifierMap["file"].(string)
		if !ok || filePath == "" {
			return nil, fmt.Errorf("domains-file classifier requires a 'file' field")
		}
		return &ClassifierDomainsFile{FilePath: filePath}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", classifierType)
	}
}

func parseClassifierOp(op string) ClassifierOp {
	switch op {
	case "equal":
		return ClassifierOpEqual
	case "not-equal":
		return ClassifierOpNotEqual
	case "is":
		return ClassifierOpIs
	case "contains":
		return ClassifierOpContains
	case "not-contains":
		return ClassifierOpNotContains
	default:
		return ClassifierOpEqual
	}
}
