package classifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, c config.Classifier) Classifier {
	t.Helper()
	set, err := NewSet(nil)
	require.NoError(t, err)
	compiled, err := set.Compile(c)
	require.NoError(t, err)
	return compiled
}

func classify(t *testing.T, c Classifier, host string, port int) bool {
	t.Helper()
	ok, err := c.Classify(NewInput(host, port))
	require.NoError(t, err)
	return ok
}

func TestDomainOps(t *testing.T) {
	tests := []struct {
		op       config.ClassifierOp
		host     string
		expected bool
	}{
		{config.ClassifierOpEqual, "example.com", true},
		{config.ClassifierOpEqual, "www.example.com", false},
		{config.ClassifierOpNotEqual, "other.org", true},
		{config.ClassifierOpContains, "myexample.com.evil", true},
		{config.ClassifierOpNotContains, "other.org", true},
		{config.ClassifierOpIs, "example.com", true},
		{config.ClassifierOpIs, "api.EXAMPLE.com", true},
		{config.ClassifierOpIs, "notexample.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			c := compile(t, &config.ClassifierDomain{Op: tt.op, Domain: "example.com"})
			assert.Equal(t, tt.expected, classify(t, c, tt.host, 443))
		})
	}
}

func TestOrOfDomainsUsesDomainSet(t *testing.T) {
	c := compile(t, &config.ClassifierOr{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.com"},
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.org"},
		&config.ClassifierDomain{Op: config.ClassifierOpEqual, Domain: "exact.net"},
	}})

	or, ok := c.(*Or)
	require.True(t, ok, "mixed ops compile into two sets, got %T", c)
	require.Len(t, or.Classifiers, 2)
	assert.IsType(t, &DomainSet{}, or.Classifiers[0])

	assert.True(t, classify(t, c, "www.example.org", 80))
	assert.True(t, classify(t, c, "exact.net", 80))
	assert.False(t, classify(t, c, "sub.exact.net", 80))
	assert.False(t, classify(t, c, "badexample.com", 80))
}

func TestOrWithMixedChildrenIsNotOptimized(t *testing.T) {
	c := compile(t, &config.ClassifierOr{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.com"},
		&config.ClassifierPort{Port: 22},
	}})
	assert.IsType(t, &Or{}, c)
	assert.True(t, classify(t, c, "ssh.host", 22))
}

func TestDomainsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.txt")
	content := "# ad servers\n0.0.0.0 ads.example\n*.tracker.net ; wildcard\nplain.org\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	domains, err := LoadDomainsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ads.example", "tracker.net", "plain.org"}, domains)

	c := compile(t, &config.ClassifierDomainsFile{FilePath: path})
	assert.True(t, classify(t, c, "x.tracker.net", 443))
	assert.True(t, classify(t, c, "plain.org", 443))
	assert.False(t, classify(t, c, "example", 443))

	_, err = LoadDomainsFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestIPAndNetwork(t *testing.T) {
	network := compile(t, &config.ClassifierNetwork{CIDR: "10.0.0.0/8"})
	assert.True(t, classify(t, network, "10.1.2.3", 80))
	assert.False(t, classify(t, network, "192.168.0.1", 80))
	assert.False(t, classify(t, network, "example.com", 80), "names without a known IP never match")

	ip := compile(t, &config.ClassifierIP{IP: "::1"})
	assert.True(t, classify(t, ip, "[::1]", 80))

	set, err := NewSet(nil)
	require.NoError(t, err)
	_, err = set.Compile(&config.ClassifierNetwork{CIDR: "nope"})
	assert.ErrorContains(t, err, "invalid CIDR")
}

func TestRefsAndLogic(t *testing.T) {
	set, err := NewSet(map[string]config.Classifier{
		"internal": &config.ClassifierNetwork{CIDR: "192.168.0.0/16"},
		"web":      &config.ClassifierOr{Classifiers: []config.Classifier{&config.ClassifierPort{Port: 80}, &config.ClassifierPort{Port: 443}}},
	})
	require.NoError(t, err)

	c, err := set.Compile(&config.ClassifierAnd{Classifiers: []config.Classifier{
		&config.ClassifierRef{Id: "web"},
		&config.ClassifierNot{Classifier: &config.ClassifierRef{Id: "internal"}},
	}})
	require.NoError(t, err)

	assert.True(t, classify(t, c, "8.8.8.8", 443))
	assert.False(t, classify(t, c, "192.168.1.1", 443))
	assert.False(t, classify(t, c, "8.8.8.8", 22))

	missing, err := set.Compile(&config.ClassifierRef{Id: "nope"})
	require.NoError(t, err)
	_, err = missing.Classify(NewInput("a", 1))
	assert.ErrorContains(t, err, "'nope' not found")
}

func TestPortRequiresPort(t *testing.T) {
	c := compile(t, &config.ClassifierPort{Port: 80})
	_, err := c.Classify(Input{Host: "a"})
	assert.Error(t, err)
}
