package filter

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

var errBoom = errors.New("boom")

func newContext() *pipe.BaseContext {
	return pipe.NewBaseContext(context.Background(), nil)
}

func faulting() pipe.Filter[*pipe.BaseContext] {
	return pipe.Inline("faulting", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		return errBoom
	})
}

func failTimes(n int, calls *int) pipe.Filter[*pipe.BaseContext] {
	return pipe.Inline("failTimes", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		*calls++
		if *calls <= n {
			return errBoom
		}
		return next.Send(c)
	})
}

func noBackoff(int) time.Duration { return 0 }

func TestCounter_FaultingFilter(t *testing.T) {
	counter := NewCounter[*pipe.BaseContext]()
	p := pipe.New[*pipe.BaseContext](counter, faulting())

	faults := 0
	for range 3 {
		if err := p.Send(newContext()); errors.Is(err, errBoom) {
			faults++
		}
	}

	if faults != 3 {
		t.Errorf("expected 3 propagated faults, got %d", faults)
	}
	if counter.Attempted() != 3 || counter.Succeeded() != 0 || counter.Faulted() != 3 {
		t.Errorf("expected attempted=3 succeeded=0 faulted=3, got %d/%d/%d",
			counter.Attempted(), counter.Succeeded(), counter.Faulted())
	}
}

func TestCounter_ProbeAfterFault(t *testing.T) {
	counter := NewCounter[*pipe.BaseContext]()
	p := pipe.New[*pipe.BaseContext](counter, faulting())
	_ = p.Send(newContext())

	tree := probe.NewTree()
	p.Probe(tree)

	m := tree.Map()
	filters := m["filters"].(map[string]any)
	c := filters["counter"].(map[string]any)
	if c["faulted"] != int64(1) || c["attempted"] != int64(1) {
		t.Errorf("unexpected counter probe: %v", c)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	retry := NewRetry[*pipe.BaseContext](RetryConfig{MaxAttempts: 3, Backoff: noBackoff})
	p := pipe.New[*pipe.BaseContext](retry, failTimes(2, &calls))

	if err := p.Send(newContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetry_MaxAttempts(t *testing.T) {
	counter := NewCounter[*pipe.BaseContext]()
	retry := NewRetry[*pipe.BaseContext](RetryConfig{MaxAttempts: 3, Backoff: noBackoff})
	p := pipe.New[*pipe.BaseContext](retry, counter, faulting())

	err := p.Send(newContext())
	if !errors.Is(err, ErrRetryMaxAttempts) {
		t.Fatalf("expected ErrRetryMaxAttempts, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("expected causes to be unwrapped, got %v", err)
	}
	state := RetryStateFromError(err)
	if state == nil {
		t.Fatal("expected retry state on error")
	}
	if state.Attempts != 3 || len(state.Causes) != 3 {
		t.Errorf("expected 3 attempts and causes, got %d and %d", state.Attempts, len(state.Causes))
	}
	if counter.Attempted() != 3 || counter.Succeeded() != 0 || counter.Faulted() != 3 {
		t.Errorf("expected attempted=3 succeeded=0 faulted=3, got %d/%d/%d",
			counter.Attempted(), counter.Succeeded(), counter.Faulted())
	}
}

func TestRetry_NotRetryable(t *testing.T) {
	calls := 0
	retry := NewRetry[*pipe.BaseContext](RetryConfig{
		MaxAttempts: 5,
		Backoff:     noBackoff,
		ShouldRetry: ShouldNotRetry(errBoom),
	})
	p := pipe.New[*pipe.BaseContext](retry, failTimes(10, &calls))

	err := p.Send(newContext())
	if !errors.Is(err, ErrRetryNotRetryable) {
		t.Fatalf("expected ErrRetryNotRetryable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retry := NewRetry[*pipe.BaseContext](RetryConfig{
		MaxAttempts: -1,
		Backoff:     ConstantBackoff(time.Hour, 0),
	})
	p := pipe.New[*pipe.BaseContext](retry, faulting())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Send(pipe.NewBaseContext(ctx, nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetry_Timeout(t *testing.T) {
	retry := NewRetry[*pipe.BaseContext](RetryConfig{
		MaxAttempts: -1,
		Backoff:     ConstantBackoff(10*time.Millisecond, 0),
		Timeout:     50 * time.Millisecond,
	})
	p := pipe.New[*pipe.BaseContext](retry, faulting())

	err := p.Send(newContext())
	if !errors.Is(err, ErrRetryTimeout) {
		t.Fatalf("expected ErrRetryTimeout, got %v", err)
	}
}

func TestRetry_StateIsPayload(t *testing.T) {
	var attempts []int
	retry := NewRetry[*pipe.BaseContext](RetryConfig{MaxAttempts: 3, Backoff: noBackoff})
	p := pipe.New[*pipe.BaseContext](retry, pipe.Inline("observe", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		state := RetryStateFrom(c)
		if state == nil {
			return errors.New("no retry state")
		}
		attempts = append(attempts, state.Attempts)
		return errBoom
	}))

	c := newContext()
	_ = p.Send(c)

	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("expected attempts [1 2 3], got %v", attempts)
	}
	if RetryStateFrom(c) != nil {
		t.Error("expected retry state to be removed after completion")
	}
}

func TestRetry_NestedRestoresOuterState(t *testing.T) {
	outer := NewRetry[*pipe.BaseContext](RetryConfig{MaxAttempts: 1, Backoff: noBackoff})
	inner := NewRetry[*pipe.BaseContext](RetryConfig{MaxAttempts: 1, Backoff: noBackoff})

	var seen *RetryState
	check := pipe.Inline("check", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		seen = RetryStateFrom(c)
		return next.Send(c)
	})
	var outerState *RetryState
	capture := pipe.Inline("capture", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		outerState = RetryStateFrom(c)
		return next.Send(c)
	})

	nested := pipe.Inline("nested", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		if err := pipe.New[*pipe.BaseContext](inner).Send(c); err != nil {
			return err
		}
		return next.Send(c)
	})
	p := pipe.New[*pipe.BaseContext](outer, capture, nested, check)

	if err := p.Send(newContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != outerState {
		t.Error("expected the outer retry state to be restored after the nested retry")
	}
}

func TestRetry_DoesNotRetryUsageErrors(t *testing.T) {
	calls := 0
	twice := pipe.Inline("twice", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		calls++
		_ = next.Send(c)
		return next.Send(c)
	})
	retry := NewRetry[*pipe.BaseContext](RetryConfig{MaxAttempts: 3, Backoff: noBackoff})

	err := pipe.New[*pipe.BaseContext](retry, twice).Send(newContext())
	if !errors.Is(err, pipe.ErrNextCalledTwice) {
		t.Fatalf("expected ErrNextCalledTwice, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected usage errors not to be retried, got %d attempts", calls)
	}
}

func TestConstantBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	backoff := ConstantBackoff(base, 0.2)

	minExpected := time.Duration(float64(base) * 0.8)
	maxExpected := time.Duration(float64(base) * 1.2)
	for i := 1; i <= 10; i++ {
		if d := backoff(i); d < minExpected || d > maxExpected {
			t.Errorf("backoff %d (%v) outside [%v, %v]", i, d, minExpected, maxExpected)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(10*time.Millisecond, 2, 200*time.Millisecond, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{5, 160 * time.Millisecond},
		{6, 200 * time.Millisecond},
		{10, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		got := backoff(tt.attempt)
		if math.Abs(float64(got-tt.want)) > float64(time.Microsecond) {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	other := errors.New("other")
	tests := []struct {
		name string
		fn   ShouldRetryFunc
		err  error
		want bool
	}{
		{"all", ShouldRetry(), other, true},
		{"listed", ShouldRetry(errBoom), errBoom, true},
		{"unlisted", ShouldRetry(errBoom), other, false},
		{"none", ShouldNotRetry(), other, false},
		{"excluded", ShouldNotRetry(errBoom), errBoom, false},
		{"not excluded", ShouldNotRetry(errBoom), other, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRecover(t *testing.T) {
	p := pipe.New[*pipe.BaseContext](NewRecover[*pipe.BaseContext](), pipe.Inline("panic", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		panic("kaboom")
	}))

	err := p.Send(newContext())
	var rerr *RecoveryError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RecoveryError, got %v", err)
	}
	if rerr.PanicValue != "kaboom" {
		t.Errorf("expected panic value kaboom, got %v", rerr.PanicValue)
	}
	if rerr.StackTrace == "" {
		t.Error("expected stack trace")
	}
}

func TestRecover_UnwrapsErrorPanics(t *testing.T) {
	p := pipe.New[*pipe.BaseContext](NewRecover[*pipe.BaseContext](), pipe.Inline("panic", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		panic(errBoom)
	}))

	if err := p.Send(newContext()); !errors.Is(err, errBoom) {
		t.Errorf("expected errBoom, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	wait := pipe.Inline("wait", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		<-c.Context().Done()
		return c.Context().Err()
	})
	p := pipe.New[*pipe.BaseContext](NewTimeout[*pipe.BaseContext](20*time.Millisecond), wait)

	c := newContext()
	parent := c.Context()
	err := p.Send(c)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded to be wrapped, got %v", err)
	}
	if c.Context() != parent {
		t.Error("expected the parent context to be restored")
	}
}

func TestTimeout_Disabled(t *testing.T) {
	var hasDeadline bool
	check := pipe.Inline("check", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		_, hasDeadline = c.Context().Deadline()
		return nil
	})
	if err := pipe.New[*pipe.BaseContext](NewTimeout[*pipe.BaseContext](0), check).Send(newContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasDeadline {
		t.Error("expected no deadline")
	}
}

type mockLogger struct {
	mu         sync.Mutex
	debugCalls []logCall
	infoCalls  []logCall
	warnCalls  []logCall
	errorCalls []logCall
}

type logCall struct {
	msg  string
	args []any
}

func (l *mockLogger) Debug(msg string, args ...any) {
	l.mu.Lock()
	l.debugCalls = append(l.debugCalls, logCall{msg: msg, args: args})
	l.mu.Unlock()
}

func (l *mockLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	l.infoCalls = append(l.infoCalls, logCall{msg: msg, args: args})
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warnCalls = append(l.warnCalls, logCall{msg: msg, args: args})
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errorCalls = append(l.errorCalls, logCall{msg: msg, args: args})
	l.mu.Unlock()
}

func TestLog_Outcomes(t *testing.T) {
	logger := &mockLogger{}
	f := NewLog[*pipe.BaseContext](LogConfig{Logger: logger, Args: []any{"component", "test"}})

	ok := pipe.Inline("ok", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error { return nil })
	cancelled := pipe.Inline("cancelled", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		return context.Canceled
	})

	_ = pipe.New[*pipe.BaseContext](f, ok).Send(newContext())
	_ = pipe.New[*pipe.BaseContext](f, faulting()).Send(newContext())
	_ = pipe.New[*pipe.BaseContext](f, cancelled).Send(newContext())

	if len(logger.debugCalls) != 1 || logger.debugCalls[0].msg != "FILTERBUS: Success" {
		t.Errorf("expected one success at debug, got %v", logger.debugCalls)
	}
	if len(logger.errorCalls) != 1 || logger.errorCalls[0].msg != "FILTERBUS: Failure" {
		t.Errorf("expected one failure at error, got %v", logger.errorCalls)
	}
	if len(logger.warnCalls) != 1 || logger.warnCalls[0].msg != "FILTERBUS: Cancel" {
		t.Errorf("expected one cancel at warn, got %v", logger.warnCalls)
	}
	if args := logger.debugCalls[0].args; len(args) < 2 || args[0] != "component" || args[1] != "test" {
		t.Errorf("expected configured args first, got %v", args)
	}
}

func TestLog_UnknownLevelFailsValidation(t *testing.T) {
	cfg := pipe.NewConfigurator[*pipe.BaseContext]()
	if err := UseLog(cfg, LogConfig{LevelFailure: "loud"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cfg.Build(); !errors.Is(err, pipe.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int64
	work := pipe.Inline("work", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	})
	p := pipe.New[*pipe.BaseContext](NewConcurrencyLimit[*pipe.BaseContext](2), work)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Send(newContext())
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent invocations, got %d", peak.Load())
	}
}

func TestConcurrencyLimit_ContextDone(t *testing.T) {
	release := make(chan struct{})
	block := pipe.Inline("block", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error {
		<-release
		return nil
	})
	p := pipe.New[*pipe.BaseContext](NewConcurrencyLimit[*pipe.BaseContext](1), block)

	done := make(chan struct{})
	go func() {
		_ = p.Send(newContext())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Send(pipe.NewBaseContext(ctx, nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	close(release)
	<-done
}

func TestRateLimit(t *testing.T) {
	p := pipe.New[*pipe.BaseContext](NewRateLimit[*pipe.BaseContext](1, 2))

	for range 2 {
		if err := p.Send(newContext()); err != nil {
			t.Fatalf("unexpected error within burst: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Send(pipe.NewBaseContext(ctx, nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded after burst, got %v", err)
	}
}

func TestRateLimit_WaitsForReservation(t *testing.T) {
	limit := NewRateLimit[*pipe.BaseContext](50, 1)
	p := pipe.New[*pipe.BaseContext](limit)

	start := time.Now()
	for range 2 {
		if err := p.Send(newContext()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("expected the second invocation to wait, took %v", elapsed)
	}

	tree := probe.NewTree()
	p.Probe(tree)
	f := tree.Map()["filters"].(map[string]any)["rateLimit"].(map[string]any)
	if f["waited"] != int64(1) || f["burst"] != 1 {
		t.Errorf("unexpected rate limit diagnostics: %v", f)
	}
}

func TestUseSpecifications_Validation(t *testing.T) {
	tests := []struct {
		name  string
		use   func(cfg *pipe.Configurator[*pipe.BaseContext]) error
		fails bool
	}{
		{"retry", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseRetry(cfg, RetryConfig{MaxAttempts: 3})
		}, false},
		{"retry negative timeout", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseRetry(cfg, RetryConfig{Timeout: -time.Second})
		}, true},
		{"timeout", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseTimeout(cfg, time.Second)
		}, false},
		{"zero timeout", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseTimeout(cfg, 0)
		}, true},
		{"concurrency", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseConcurrencyLimit(cfg, 4)
		}, false},
		{"zero concurrency", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseConcurrencyLimit(cfg, 0)
		}, true},
		{"rate", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseRateLimit(cfg, 10, 1)
		}, false},
		{"zero rate", func(cfg *pipe.Configurator[*pipe.BaseContext]) error {
			return UseRateLimit(cfg, 0, 0)
		}, true},
		{"recover", UseRecover[*pipe.BaseContext], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pipe.NewConfigurator[*pipe.BaseContext]()
			if err := tt.use(cfg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, err := cfg.Build()
			if tt.fails != (err != nil) {
				t.Errorf("expected failure=%v, got %v", tt.fails, err)
			}
		})
	}
}

func TestUseRetry_AfterScopeRole(t *testing.T) {
	cfg := pipe.NewConfigurator[*pipe.BaseContext]()
	_ = cfg.AddSpecification(&pipe.FilterSpecification[*pipe.BaseContext]{
		Filter:     pipe.Inline("scope", func(c *pipe.BaseContext, next pipe.Pipe[*pipe.BaseContext]) error { return next.Send(c) }),
		FilterRole: pipe.RoleScope,
	})
	_ = UseRetry(cfg, RetryConfig{})

	_, err := cfg.Build()
	var cerr *pipe.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(cerr.Failures()) != 1 || cerr.Failures()[0].Key != "order" {
		t.Errorf("expected a single order failure, got %v", cerr.Failures())
	}
}
