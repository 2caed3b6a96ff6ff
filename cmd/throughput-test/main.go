// Command throughput-test measures requests per second and transfer rate
// through an in-process interzept proxy.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/pipeline"
	"github.com/codefionn/interzept/interzept-srv/proxy"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	handlers    = flag.Int("handlers", 1, "Number of pass-through handlers in the pipeline")
	intercept   = flag.Bool("intercept", false, "Send https requests through an intercepted CONNECT tunnel")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// writeTestCA stores a throwaway CA in dir for the interception mode.
func writeTestCA(dir string) (certFile, keyFile string, pool *x509.CertPool, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "interzept throughput CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return "", "", nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	certFile = filepath.Join(dir, "ca.pem")
	keyFile = filepath.Join(dir, "ca.key")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		return "", "", nil, err
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return "", "", nil, err
	}
	pool = x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return certFile, keyFile, pool, nil
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string) result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d (%s)", resp.StatusCode, resp.Header.Get("X-Proxy-Error"))}
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return result{n, fmt.Errorf("read body: %w", err)}
	}
	if n != int64(*dataSize) {
		return result{n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)}
	}
	return result{n, nil}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	cfg := config.Default()
	cfg.Servers = []config.LocalServerConfig{{Address: "127.0.0.1", Port: 0, Enabled: true, AlpnEnabled: true}}
	cfg.TimeoutSeconds = 5
	cfg.MaxConcurrentConnections = *concurrency * 2
	cfg.Interception.Enabled = *intercept

	var target *httptest.Server
	clientTLS := &tls.Config{MinVersion: tls.VersionTLS12}
	if *intercept {
		dir, err := os.MkdirTemp("", "interzept-throughput")
		if err != nil {
			return err
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				logger.Error("Error removing %s: %v", dir, err)
			}
		}()
		certFile, keyFile, pool, err := writeTestCA(dir)
		if err != nil {
			return fmt.Errorf("create CA: %w", err)
		}
		cfg.Interception.CAFile, cfg.Interception.CAKeyFile = certFile, keyFile
		clientTLS.RootCAs = pool
		target = httptest.NewTLSServer(dataHandler(buf))
	} else {
		target = httptest.NewServer(dataHandler(buf))
	}
	defer target.Close()

	p := pipeline.New()
	for i := 0; i < *handlers; i++ {
		p.Register(pipeline.HandlerFunc(fmt.Sprintf("noop-%d", i), func(ctx *pipeline.Context, msg *message.Message) pipeline.Action {
			return pipeline.Continue()
		}))
	}

	px, err := proxy.NewProxy(cfg, p)
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	proxyCtx, stopProxy := context.WithCancel(context.Background())
	proxyDone := make(chan error, 1)
	go func() { proxyDone <- px.Start(proxyCtx) }()
	defer func() {
		stopProxy()
		if err := <-proxyDone; err != nil {
			logger.Error("Proxy shutdown: %v", err)
		}
	}()

	proxyURL := &url.URL{Scheme: "http", Host: px.Servers()[0].Addr().String()}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			TLSClientConfig:     clientTLS,
			MaxIdleConnsPerHost: *concurrency,
		},
		Timeout: 10 * time.Second,
	}
	targetURL := target.URL + "/data"

	var next atomic.Int64
	results := make(chan result, *numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(*numRequests) {
				results <- sendRequest(ctx, client, targetURL)
			}
		}()
	}
	wg.Wait()
	close(results)
	dur := time.Since(start)

	success, failed, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, failed)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", float64(success)/dur.Seconds(), float64(total)/dur.Seconds()/1024/1024)
	if *intercept {
		fmt.Printf("Leaf certificates minted: %d\n", px.Issuer().Generated())
	}

	if failed > 0 {
		return fmt.Errorf("%d requests failed, first: %w", failed, firstErr)
	}
	return ctx.Err()
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Test failed:", err)
		os.Exit(1)
	}
}
