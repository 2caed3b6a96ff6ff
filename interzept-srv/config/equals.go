package config

import (
	"bytes"
	"os"
	"slices"

	"github.com/codefionn/interzept/interzept-srv/logger"
)

// HasChanged returns true if the configuration has changed compared to another config.
// Fields are compared explicitly; classifiers and forwards structurally.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if !slices.Equal(a.Servers, b.Servers) {
		return true
	}
	if !slices.Equal(a.Aliases, b.Aliases) {
		return true
	}
	if len(a.PassThroughs) != len(b.PassThroughs) {
		return true
	}
	for i := range a.PassThroughs {
		if a.PassThroughs[i].Enabled != b.PassThroughs[i].Enabled ||
			!classifierEqual(a.PassThroughs[i].Classifier, b.PassThroughs[i].Classifier) {
			return true
		}
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.CookieUsage != b.CookieUsage ||
		a.UserAgent != b.UserAgent ||
		a.HTTP3Upstream != b.HTTP3Upstream {
		return true
	}
	if a.Retry != b.Retry || a.Interception != b.Interception ||
		a.Statistics != b.Statistics || a.Metrics != b.Metrics || a.NAT != b.NAT {
		return true
	}
	if a.Auth.CachingDisabled != b.Auth.CachingDisabled ||
		a.Auth.RemoveUserDefinedAuthHeaders != b.Auth.RemoveUserDefinedAuthHeaders ||
		!slices.Equal(a.Auth.Credentials, b.Auth.Credentials) {
		return true
	}
	if a.DNS.Enabled != b.DNS.Enabled || !slices.Equal(a.DNS.Servers, b.DNS.Servers) {
		return true
	}
	if !classifiersMapEqual(a.Classifiers, b.Classifiers) {
		return true
	}
	if !forwardsSliceEqual(a.Forwards, b.Forwards) {
		return true
	}
	return false
}

// classifierEqual compares two Classifier interfaces for equality.
func classifierEqual(a, b Classifier) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ClassifierPort:
		tb, ok := b.(*ClassifierPort)
		return ok && ta.Port == tb.Port
	case *ClassifierDomainsFile:
		tb, ok := b.(*ClassifierDomainsFile)
		if !ok {
			return false
		}
		// Same path may still carry new content on reload
		taContent, err := os.ReadFile(ta.FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, ta.FilePath)
			return false
		}
		tbContent, err := os.ReadFile(tb.FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, tb.FilePath)
			return false
		}
		return bytes.Equal(taContent, tbContent)
	case *ClassifierAnd:
		tb, ok := b.(*ClassifierAnd)
		return ok && classifierSliceEqual(ta.Classifiers, tb.Classifiers)
	case *ClassifierOr:
		tb, ok := b.(*ClassifierOr)
		return ok && classifierSliceEqual(ta.Classifiers, tb.Classifiers)
	case *ClassifierNot:
		tb, ok := b.(*ClassifierNot)
		return ok && classifierEqual(ta.Classifier, tb.Classifier)
	case *ClassifierDomain:
		tb, ok := b.(*ClassifierDomain)
		return ok && ta.Op == tb.Op && ta.Domain == tb.Domain
	case *ClassifierRef:
		tb, ok := b.(*ClassifierRef)
		return ok && ta.Id == tb.Id
	case *ClassifierIP:
		tb, ok := b.(*ClassifierIP)
		return ok && ta.IP == tb.IP
	case *ClassifierNetwork:
		tb, ok := b.(*ClassifierNetwork)
		return ok && ta.CIDR == tb.CIDR
	case *ClassifierTrue:
		_, ok := b.(*ClassifierTrue)
		return ok
	case *ClassifierFalse:
		_, ok := b.(*ClassifierFalse)
		return ok
	default:
		return false
	}
}

func classifierSliceEqual(a, b []Classifier) bool {
	return slices.EqualFunc(a, b, classifierEqual)
}

// classifiersMapEqual compares two maps of Classifier for equality.
func classifiersMapEqual(a, b map[string]Classifier) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !classifierEqual(va, vb) {
			return false
		}
	}
	return true
}

// forwardsSliceEqual compares two slices of Forward for equality.
func forwardsSliceEqual(a, b []Forward) bool {
	return slices.EqualFunc(a, b, forwardEqual)
}

// forwardEqual compares two Forward interfaces for equality.
func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ForwardDefaultNetwork:
		tb, ok := b.(*ForwardDefaultNetwork)
		return ok && ta.ForceIPv4 == tb.ForceIPv4 && classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardSocks5:
		tb, ok := b.(*ForwardSocks5)
		return ok && remoteForwardEqual(
			ta.Address, tb.Address, ta.Username, tb.Username, ta.Password, tb.Password,
		) && ta.ForceIPv4 == tb.ForceIPv4 && classifierEqual(ta.ClassifierData, tb.ClassifierData)
	case *ForwardProxy:
		tb, ok := b.(*ForwardProxy)
		return ok && remoteForwardEqual(
			ta.Address, tb.Address, ta.Username, tb.Username, ta.Password, tb.Password,
		) && ta.ForceIPv4 == tb.ForceIPv4 && classifierEqual(ta.ClassifierData, tb.ClassifierData)
	default:
		return false
	}
}

func remoteForwardEqual(addrA, addrB string, userA, userB, passA, passB *string) bool {
	return addrA == addrB && stringPtrEqual(userA, userB) && stringPtrEqual(passA, passB)
}

// stringPtrEqual compares two *string values for equality.
func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
