package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/interzept/interzept-srv/logger"
)

// CookieUsage controls how the protocol element treats cookies.
type CookieUsage string

const (
	CookieUsageGlobal CookieUsage = "global" // one jar shared by all exchanges
	CookieUsageLocal  CookieUsage = "local"  // one jar per sender
	CookieUsageIgnore CookieUsage = "ignore" // cookies are passed through untouched
)

// DefaultUserAgent is applied to outbound requests that carry no User-Agent.
const DefaultUserAgent = "interzept/1.0"

// LocalServerConfig describes one listening endpoint of the proxy.
type LocalServerConfig struct {
	Address     string // IP or host name to bind; empty or 0.0.0.0 binds all interfaces
	Port        int
	Enabled     bool
	BehindNAT   bool // public address differs from the bound one
	AlpnEnabled bool // offer h2 on TLS-upgraded channels
}

// ListenAddress returns the host:port form used for net.Listen.
func (s LocalServerConfig) ListenAddress() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// IsAnyLocalAddress reports whether the server binds the wildcard address.
func (s LocalServerConfig) IsAnyLocalAddress() bool {
	if s.Address == "" {
		return true
	}
	ip := net.ParseIP(s.Address)
	return ip != nil && ip.IsUnspecified()
}

// IsBehindNAT reports whether self-discovery must consider the public address.
func (s LocalServerConfig) IsBehindNAT() bool {
	return s.BehindNAT
}

// Alias is an additional host name under which the proxy serves itself.
type Alias struct {
	Name    string
	Enabled bool
}

// Matches reports whether host names this alias.
func (a Alias) Matches(host string) bool {
	return a.Enabled && a.Name != "" && strings.EqualFold(a.Name, host)
}

// PassThrough marks CONNECT targets that are relayed without TLS termination.
type PassThrough struct {
	Classifier Classifier
	Enabled    bool
}

// RetryConfig feeds the default retry strategy of the exec chain.
type RetryConfig struct {
	MaxRetries        int
	MinIntervalMillis int
	MaxIntervalMillis int
	RetryOnTimeout    bool
}

// MinInterval returns the first backoff interval.
func (r RetryConfig) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMillis) * time.Millisecond
}

// MaxInterval returns the cap of the backoff interval.
func (r RetryConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMillis) * time.Millisecond
}

// AuthCredential is a username/password pair scoped to a host and optional realm.
type AuthCredential struct {
	Host     string
	Port     int // 0 matches any port
	Realm    string
	Username string
	Password string
	Proxy    bool // used for 407 challenges of an upstream proxy
}

// AuthConfig configures the credentials provider and auth cache.
type AuthConfig struct {
	CachingDisabled              bool
	RemoveUserDefinedAuthHeaders bool
	Credentials                  []AuthCredential
}

// InterceptionConfig defines settings for TLS interception of CONNECT tunnels
type InterceptionConfig struct {
	Enabled   bool   // Whether CONNECT tunnels are TLS-terminated
	CAFile    string // Path to CA certificate file
	CAKeyFile string // Path to CA private key file
}

// StatisticsConfig selects the stats collector backend.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
}

// MetricsConfig controls the prometheus exporter.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
}

// NATConfig configures public address discovery for servers behind NAT.
type NATConfig struct {
	DiscoveryURL   string
	RefreshSeconds int
}

// Config represents the main configuration structure for the proxy.
type Config struct {
	Servers                  []LocalServerConfig
	Aliases                  []Alias
	PassThroughs             []PassThrough
	TimeoutSeconds           int // Per-attempt timeout of outbound requests
	MaxConcurrentConnections int
	Classifiers              map[string]Classifier
	Forwards                 []Forward
	Retry                    RetryConfig
	Auth                     AuthConfig
	CookieUsage              CookieUsage
	UserAgent                string
	Interception             InterceptionConfig
	DNS                      DNSConfig
	Statistics               StatisticsConfig
	Metrics                  MetricsConfig
	NAT                      NATConfig
	HTTP3Upstream            bool
}

// Timeout returns TimeoutSeconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork connects directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 connects through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy connects through an HTTP proxy.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

// ForwardDefaultNetwork routes matching targets directly.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
	ForceIPv4      bool
}

func (c *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

func (c *ForwardDefaultNetwork) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

// ForwardSocks5 routes matching targets through a SOCKS5 server.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

func (c *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

func (c *ForwardSocks5) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

// ForwardProxy routes matching targets through an HTTP proxy.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool
}

func (c *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

func (c *ForwardProxy) Classifier() Classifier { return classifierOrTrue(c.ClassifierData) }

func classifierOrTrue(c Classifier) Classifier {
	if c == nil {
		return &ClassifierTrue{}
	}
	return c
}

// Default returns the configuration used when neither file nor environment set a value.
func Default() *Config {
	return &Config{
		Servers: []LocalServerConfig{
			{Address: "127.0.0.1", Port: 8080, Enabled: true, AlpnEnabled: true},
		},
		TimeoutSeconds:           20,
		MaxConcurrentConnections: 512,
		Classifiers:              make(map[string]Classifier),
		Retry: RetryConfig{
			MaxRetries:        3,
			MinIntervalMillis: 100,
			MaxIntervalMillis: 2000,
		},
		CookieUsage: CookieUsageGlobal,
		UserAgent:   DefaultUserAgent,
		Interception: InterceptionConfig{
			Enabled: true,
		},
		Statistics: StatisticsConfig{
			Backend:    "dummy",
			SQLitePath: "interzept_stats.db",
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9090",
		},
		NAT: NATConfig{
			RefreshSeconds: 300,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// Defaults are applied first, then INTERZEPT_* environment variables, then the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout-seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max-retries must not be negative")
	}
	switch c.CookieUsage {
	case CookieUsageGlobal, CookieUsageLocal, CookieUsageIgnore:
	default:
		return fmt.Errorf("invalid cookie-usage: %q", c.CookieUsage)
	}
	for i, s := range c.Servers {
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("server at index %d has invalid port %d", i, s.Port)
		}
	}
	return nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle hyphenated keys and _secret references
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap copies the values of a decoded configuration document onto cfg.
// Both the JSON and the HCL loader end up here.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		cfg.Servers = []LocalServerConfig{}
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := LocalServerConfig{Address: "127.0.0.1", Port: 8080, Enabled: true, AlpnEnabled: true}
			if err := firstErr(
				readValue(serverMap, "address", &server.Address),
				readValue(serverMap, "port", &server.Port),
				readValue(serverMap, "enabled", &server.Enabled),
				readValue(serverMap, "behind-nat", &server.BehindNAT),
				readValue(serverMap, "alpn", &server.AlpnEnabled),
			); err != nil {
				return fmt.Errorf("server at index %d: %w", i, err)
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	if val, exists := data["aliases"]; exists {
		aliasList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("aliases must be an array")
		}
		cfg.Aliases = nil
		for i, aliasData := range aliasList {
			alias := Alias{Enabled: true}
			switch a := aliasData.(type) {
			case string:
				alias.Name = a
			case map[string]any:
				if err := firstErr(
					readValue(a, "name", &alias.Name),
					readValue(a, "enabled", &alias.Enabled),
				); err != nil {
					return fmt.Errorf("alias at index %d: %w", i, err)
				}
			default:
				return fmt.Errorf("alias at index %d must be a string or an object", i)
			}
			if alias.Name == "" {
				return fmt.Errorf("alias at index %d requires a name", i)
			}
			cfg.Aliases = append(cfg.Aliases, alias)
		}
	}

	if val, exists := data["pass-throughs"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("pass-throughs must be an array")
		}
		cfg.PassThroughs = nil
		for i, ptData := range list {
			ptMap, ok := ptData.(map[string]any)
			if !ok {
				return fmt.Errorf("pass-through at index %d must be an object", i)
			}
			pt := PassThrough{Enabled: true}
			if err := readValue(ptMap, "enabled", &pt.Enabled); err != nil {
				return fmt.Errorf("pass-through at index %d: %w", i, err)
			}
			classifierMap, ok := ptMap["classifier"].(map[string]any)
			if !ok {
				return fmt.Errorf("pass-through at index %d requires a classifier", i)
			}
			c, err := parseClassifier(classifierMap)
			if err != nil {
				return fmt.Errorf("pass-through at index %d: %w", i, err)
			}
			pt.Classifier = c
			cfg.PassThroughs = append(cfg.PassThroughs, pt)
		}
	}

	var cookieUsage string
	if err := firstErr(
		readValue(data, "timeout-seconds", &cfg.TimeoutSeconds),
		readValue(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections),
		readValue(data, "user-agent", &cfg.UserAgent),
		readValue(data, "cookie-usage", &cookieUsage),
		readValue(data, "http3-upstream", &cfg.HTTP3Upstream),
	); err != nil {
		return err
	}
	if cookieUsage != "" {
		cfg.CookieUsage = CookieUsage(strings.ToLower(cookieUsage))
	}

	if classifiers, ok := data["classifiers"].(map[string]any); ok && classifiers != nil {
		cfg.Classifiers = make(map[string]Classifier)
		for key, classifier := range classifiers {
			classifierMap, ok := classifier.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid classifier format for %q", key)
			}

			newClassifier, err := parseClassifier(classifierMap)
			if err != nil {
				return err
			}
			cfg.Classifiers[key] = newClassifier
		}
	}

	if forwards, ok := data["forwards"].([]any); ok && forwards != nil {
		cfg.Forwards = nil
		for i, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid forward format at index %d", i)
			}
			newForward, err := parseForward(forwardMap)
			if err != nil {
				return err
			}
			cfg.Forwards = append(cfg.Forwards, newForward)
		}
	}

	if retryMap, ok := data["retry"].(map[string]any); ok {
		if err := firstErr(
			readValue(retryMap, "max-retries", &cfg.Retry.MaxRetries),
			readValue(retryMap, "min-interval-ms", &cfg.Retry.MinIntervalMillis),
			readValue(retryMap, "max-interval-ms", &cfg.Retry.MaxIntervalMillis),
			readValue(retryMap, "retry-on-timeout", &cfg.Retry.RetryOnTimeout),
		); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}

	if authMap, ok := data["auth"].(map[string]any); ok {
		auth, err := parseAuthConfig(authMap)
		if err != nil {
			return err
		}
		cfg.Auth = auth
	}

	if interceptMap, ok := data["interception"].(map[string]any); ok {
		if err := firstErr(
			readValue(interceptMap, "enabled", &cfg.Interception.Enabled),
			readValue(interceptMap, "ca-file", &cfg.Interception.CAFile),
			readValue(interceptMap, "ca-key-file", &cfg.Interception.CAKeyFile),
		); err != nil {
			return fmt.Errorf("interception: %w", err)
		}
	}

	if dnsMap, ok := data["dns"].(map[string]any); ok {
		dns, err := parseDNSConfig(dnsMap)
		if err != nil {
			return err
		}
		cfg.DNS = dns
	}

	if statsMap, ok := data["statistics"].(map[string]any); ok {
		if err := firstErr(
			readValue(statsMap, "enabled", &cfg.Statistics.Enabled),
			readValue(statsMap, "backend", &cfg.Statistics.Backend),
			readValue(statsMap, "sqlite-path", &cfg.Statistics.SQLitePath),
			readValue(statsMap, "postgres-dsn", &cfg.Statistics.PostgresDSN),
		); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if metricsMap, ok := data["metrics"].(map[string]any); ok {
		if err := firstErr(
			readValue(metricsMap, "enabled", &cfg.Metrics.Enabled),
			readValue(metricsMap, "listen-address", &cfg.Metrics.ListenAddress),
		); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	if natMap, ok := data["nat"].(map[string]any); ok {
		if err := firstErr(
			readValue(natMap, "discovery-url", &cfg.NAT.DiscoveryURL),
			readValue(natMap, "refresh-seconds", &cfg.NAT.RefreshSeconds),
		); err != nil {
			return fmt.Errorf("nat: %w", err)
		}
	}

	return nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var classifier Classifier
	if classifierData, ok := forwardMap["classifier"].(map[string]any); ok {
		var err error
		classifier, err = parseClassifier(classifierData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse classifier for %s forward: %w", forwardType, err)
		}
	}

	var forceIPv4 bool
	if err := readValue(forwardMap, "force-ipv4", &forceIPv4); err != nil {
		return nil, fmt.Errorf("%s forward: %w", forwardType, err)
	}

	// socks5 and proxy share address and credentials
	readRemote := func() (string, *string, *string, error) {
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return "", nil, nil, fmt.Errorf("%s forward requires address field", forwardType)
		}
		var username, password *string
		if _, exists := forwardMap["username"]; exists {
			if username, err = parseValue[string](forwardMap["username"]); err != nil {
				return "", nil, nil, fmt.Errorf("%s forward username: %w", forwardType, err)
			}
		}
		if _, exists := forwardMap["password"]; exists {
			if password, err = parseValue[string](forwardMap["password"]); err != nil {
				return "", nil, nil, fmt.Errorf("%s forward password: %w", forwardType, err)
			}
		}
		return *address, username, password, nil
	}

	switch forwardType {
	case "default-network":
		return &ForwardDefaultNetwork{ClassifierData: classifier, ForceIPv4: forceIPv4}, nil
	case "socks5":
		address, username, password, err := readRemote()
		if err != nil {
			return nil, err
		}
		return &ForwardSocks5{
			ClassifierData: classifier,
			Address:        address,
			Username:       username,
			Password:       password,
			ForceIPv4:      forceIPv4,
		}, nil
	case "proxy":
		address, username, password, err := readRemote()
		if err != nil {
			return nil, err
		}
		return &ForwardProxy{
			ClassifierData: classifier,
			Address:        address,
			Username:       username,
			Password:       password,
			ForceIPv4:      forceIPv4,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

func parseAuthConfig(authMap map[string]any) (AuthConfig, error) {
	var auth AuthConfig
	if err := firstErr(
		readValue(authMap, "caching-disabled", &auth.CachingDisabled),
		readValue(authMap, "remove-user-defined-auth-headers", &auth.RemoveUserDefinedAuthHeaders),
	); err != nil {
		return auth, fmt.Errorf("auth: %w", err)
	}

	credentials, _ := authMap["credentials"].([]any)
	for i, c := range credentials {
		credMap, ok := c.(map[string]any)
		if !ok {
			return auth, fmt.Errorf("auth credential at index %d must be an object", i)
		}
		var cred AuthCredential
		if err := firstErr(
			readValue(credMap, "host", &cred.Host),
			readValue(credMap, "port", &cred.Port),
			readValue(credMap, "realm", &cred.Realm),
			readValue(credMap, "username", &cred.Username),
			readValue(credMap, "password", &cred.Password),
			readValue(credMap, "proxy", &cred.Proxy),
		); err != nil {
			return auth, fmt.Errorf("auth credential at index %d: %w", i, err)
		}
		if cred.Host == "" {
			return auth, fmt.Errorf("auth credential at index %d requires a host", i)
		}
		auth.Credentials = append(auth.Credentials, cred)
	}
	return auth, nil
}

// readValue assigns data[key] to dst when the key is present.
func readValue[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func loadConfigFromEnv(cfg *Config) {
	if timeoutStr := os.Getenv("INTERZEPT_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			logger.Warn("Invalid format for INTERZEPT_TIMEOUTSECONDS: %s", timeoutStr)
		}
	}

	if maxConnStr := os.Getenv("INTERZEPT_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			logger.Warn("Invalid format for INTERZEPT_MAXCONCURRENTCONNECTIONS: %s", maxConnStr)
		}
	}

	if retries := os.Getenv("INTERZEPT_MAXRETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			cfg.Retry.MaxRetries = n
		} else {
			logger.Warn("Invalid format for INTERZEPT_MAXRETRIES: %s", retries)
		}
	}

	if intercept := os.Getenv("INTERZEPT_INTERCEPT"); intercept != "" {
		cfg.Interception.Enabled = envBool(intercept)
	}
	if caFile := os.Getenv("INTERZEPT_CAFILE"); caFile != "" {
		cfg.Interception.CAFile = caFile
	}
	if caKeyFile := os.Getenv("INTERZEPT_CAKEYFILE"); caKeyFile != "" {
		cfg.Interception.CAKeyFile = caKeyFile
	}
	if ua := os.Getenv("INTERZEPT_USERAGENT"); ua != "" {
		cfg.UserAgent = ua
	}
	if cookies := os.Getenv("INTERZEPT_COOKIEUSAGE"); cookies != "" {
		cfg.CookieUsage = CookieUsage(strings.ToLower(cookies))
	}
	if h3 := os.Getenv("INTERZEPT_HTTP3UPSTREAM"); h3 != "" {
		cfg.HTTP3Upstream = envBool(h3)
	}
	if disc := os.Getenv("INTERZEPT_NATDISCOVERYURL"); disc != "" {
		cfg.NAT.DiscoveryURL = disc
	}

	// Example format: INTERZEPT_SERVER_0_ADDRESS=127.0.0.1 INTERZEPT_SERVER_0_PORT=8080
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("INTERZEPT_SERVER_%d_", i)
		addr, hasAddr := os.LookupEnv(prefix + "ADDRESS")
		port := os.Getenv(prefix + "PORT")
		if !hasAddr && port == "" {
			break
		}

		var server LocalServerConfig
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		} else {
			server = LocalServerConfig{Address: "127.0.0.1", Port: 8080, Enabled: true, AlpnEnabled: true}
		}

		if hasAddr {
			server.Address = addr
		}
		if port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				server.Port = p
			} else {
				logger.Warn("Invalid format for %sPORT: %s", prefix, port)
			}
		}
		if enabledStr := os.Getenv(prefix + "ENABLED"); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				logger.Warn("Invalid format for %sENABLED: %s", prefix, enabledStr)
			}
		}
		if nat := os.Getenv(prefix + "BEHINDNAT"); nat != "" {
			server.BehindNAT = envBool(nat)
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
