package purge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/l0p7/purgectl/internal/expr"
	"github.com/l0p7/purgectl/internal/logging"
)

// HTTPDoer sends a request. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientFactory returns the client used for requests carrying opts.
type ClientFactory func(opts RequestOptions) HTTPDoer

// Outcome classifies a processed invalidation.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeMalformed
	OutcomeConnectionFailure
	OutcomeRequestFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeConnectionFailure:
		return "connection_failure"
	case OutcomeRequestFailure:
		return "request_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result reports what happened to one invalidation.
type Result struct {
	Invalidation *Invalidation
	Outcome      Outcome
	Expression   string
	Status       int
	Duration     time.Duration
	Err          error
}

const maxResponseBody = 1 << 20

// Dispatcher sends ban expressions to the provider and classifies failures.
type Dispatcher struct {
	clients ClientFactory
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher. A nil factory uses a pooled
// *http.Client per distinct timeout and TLS combination.
func NewDispatcher(logger *slog.Logger, clients ClientFactory) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if clients == nil {
		clients = NewClientPool().Client
	}
	return &Dispatcher{clients: clients, logger: logger}
}

// Dispatch sends expression to uri and reports the outcome. inv, when set,
// ends Succeeded or Failed. Failures are logged at CRITICAL level and returned
// in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *Invalidation, uri, expression string, opts RequestOptions) Result {
	target := uri + url.QueryEscape(expression)
	result := Result{Invalidation: inv, Expression: expression}
	started := time.Now()

	status, err := d.send(ctx, inv, target, opts)
	result.Status = status
	result.Duration = time.Since(started)
	if err == nil {
		result.Outcome = OutcomeSucceeded
		if inv != nil {
			inv.SetState(StateSucceeded)
		}
		return result
	}

	result.Err = err
	if inv != nil {
		inv.SetState(StateFailed)
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		result.Outcome = OutcomeConnectionFailure
		logging.Critical(ctx, d.logger, "http request failed to connect",
			slog.String("uri", target),
			slog.String("error", connErr.Err.Error()),
		)
		return result
	}

	result.Outcome = OutcomeRequestFailure
	logging.Critical(ctx, d.logger, err.Error(),
		slog.String("request", opts.describe(target)),
	)
	return result
}

func (d *Dispatcher) send(ctx context.Context, inv *Invalidation, target string, opts RequestOptions) (int, error) {
	req, err := http.NewRequestWithContext(ctx, opts.Method, target, nil)
	if err != nil {
		return 0, &RequestError{URI: target, Err: err}
	}
	for name, value := range opts.Headers {
		req.Header.Set(name, value)
	}
	if opts.Auth != nil {
		req.SetBasicAuth(opts.Auth.Username, opts.Auth.Password)
	}

	resp, err := d.clients(opts).Do(req)
	if err != nil {
		if isConnectionFailure(err) {
			return 0, &ConnectionError{URI: target, Err: err}
		}
		return 0, &RequestError{URI: target, Err: err}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	closeErr := resp.Body.Close()
	if err != nil {
		return resp.StatusCode, &RequestError{URI: target, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if closeErr != nil {
		return resp.StatusCode, &RequestError{URI: target, Status: resp.StatusCode, Err: fmt.Errorf("close response: %w", closeErr)}
	}

	if opts.HTTPErrors && resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, &RequestError{URI: target, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if opts.Accept != nil {
		vars := expr.ResponseActivation(resp.StatusCode, resp.Header, string(raw), invalidationVars(inv))
		accepted, err := opts.Accept.EvalBool(vars)
		if err != nil {
			return resp.StatusCode, &RequestError{URI: target, Status: resp.StatusCode, Err: err}
		}
		if !accepted {
			return resp.StatusCode, &RequestError{URI: target, Status: resp.StatusCode, Err: fmt.Errorf("response rejected by acceptWhen %q", opts.Accept.Source())}
		}
	}
	return resp.StatusCode, nil
}

func invalidationVars(inv *Invalidation) map[string]any {
	if inv == nil {
		return nil
	}
	if vars, ok := inv.TokenData()["invalidation"].(map[string]any); ok {
		return vars
	}
	return nil
}

// isConnectionFailure reports whether err means the provider could not be
// reached in time. *url.Error satisfies net.Error for every client failure, so
// it is unwrapped first and only dial, DNS and timeout causes count.
func isConnectionFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// ClientPool hands out one *http.Client per distinct timeout and TLS
// verification combination so keep-alive connections are reused.
type ClientPool struct {
	mu      sync.Mutex
	clients map[clientKey]*http.Client
}

type clientKey struct {
	connectTimeout time.Duration
	timeout        time.Duration
	verify         bool
}

// NewClientPool returns an empty pool.
func NewClientPool() *ClientPool {
	return &ClientPool{clients: make(map[clientKey]*http.Client)}
}

// Client returns the pooled client for opts.
func (p *ClientPool) Client(opts RequestOptions) HTTPDoer {
	key := clientKey{connectTimeout: opts.ConnectTimeout, timeout: opts.Timeout, verify: opts.Verify}
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		return client
	}
	client := newHTTPClient(key)
	p.clients[key] = client
	return client
}

func newHTTPClient(key clientKey) *http.Client {
	dialer := &net.Dialer{Timeout: key.connectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: key.connectTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !key.verify,
		},
	}
	return &http.Client{Transport: transport, Timeout: key.timeout}
}
