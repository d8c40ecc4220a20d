package rules_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/rules"
)

type staticSource struct {
	mu    sync.Mutex
	rules []tokengate.Rule
	err   error
	calls atomic.Int64
}

func (s *staticSource) LoadRules(context.Context) ([]tokengate.Rule, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, s.err
}

func (s *staticSource) set(rules []tokengate.Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

func rule(id int64, pattern string, action tokengate.RuleAction, periods tokengate.PeriodRange) tokengate.Rule {
	return tokengate.Rule{
		ID:      id,
		Pattern: pattern,
		Action:  action,
		Message: "rule " + pattern,
		Periods: periods,
		Enabled: true,
	}
}

func TestEvaluate_BlocksMatchingPrompt(t *testing.T) {
	src := &staticSource{rules: []tokengate.Rule{
		rule(1, ".*give.*code.*", tokengate.RuleBlock, tokengate.PeriodRange{Start: 1, End: 2}),
	}}
	e := rules.New(src)

	res, err := e.Evaluate(context.Background(), "please give me the code for X", 1)
	require.NoError(t, err)
	assert.Equal(t, tokengate.RuleBlock, res.Action)
	assert.Equal(t, int64(1), res.RuleID)
	assert.True(t, res.Matched())

	res, err = e.Evaluate(context.Background(), "please give me the code for X", 3)
	require.NoError(t, err)
	assert.False(t, res.Matched(), "rule does not apply in period 3")
}

func TestEvaluate_LowestIDWins(t *testing.T) {
	src := &staticSource{rules: []tokengate.Rule{
		rule(7, "homework", tokengate.RuleBlock, tokengate.AllPeriods),
		rule(3, "home", tokengate.RuleGuide, tokengate.AllPeriods),
	}}
	e := rules.New(src)

	res, err := e.Evaluate(context.Background(), "do my homework", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RuleID)
	assert.Equal(t, tokengate.RuleGuide, res.Action)
}

func TestEvaluate_SkipsDisabledAndInvalid(t *testing.T) {
	disabled := rule(1, "hello", tokengate.RuleBlock, tokengate.AllPeriods)
	disabled.Enabled = false
	src := &staticSource{rules: []tokengate.Rule{
		disabled,
		rule(2, "([unclosed", tokengate.RuleBlock, tokengate.AllPeriods),
		rule(3, "hel+o", tokengate.RuleBlock, tokengate.AllPeriods),
	}}
	e := rules.New(src)

	res, err := e.Evaluate(context.Background(), "hello", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RuleID)
	assert.Len(t, e.Rules(), 1)
}

func TestEvaluate_CaseSensitive(t *testing.T) {
	src := &staticSource{rules: []tokengate.Rule{rule(1, "Secret", tokengate.RuleBlock, tokengate.AllPeriods)}}
	e := rules.New(src)

	res, err := e.Evaluate(context.Background(), "a secret", 1)
	require.NoError(t, err)
	assert.False(t, res.Matched())
}

func TestEvaluate_PathologicalPatternTimesOut(t *testing.T) {
	src := &staticSource{rules: []tokengate.Rule{
		rule(1, "^(a+)+$", tokengate.RuleBlock, tokengate.AllPeriods),
		rule(2, "aaaa", tokengate.RuleBlock, tokengate.AllPeriods),
	}}
	e := rules.New(src, rules.WithMatchTimeout(20*time.Millisecond))

	prompt := strings.Repeat("a", 40) + "!"
	start := time.Now()
	res, err := e.Evaluate(context.Background(), prompt, 1)
	require.NoError(t, err)

	// The runaway rule counts as a non-match and evaluation moves on.
	assert.Equal(t, int64(2), res.RuleID)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEvaluate_FirstLoadFailure(t *testing.T) {
	src := &staticSource{err: errors.New("db down")}
	e := rules.New(src)

	_, err := e.Evaluate(context.Background(), "x", 1)
	assert.Error(t, err)
}

func TestReload_SwapsSnapshot(t *testing.T) {
	src := &staticSource{rules: []tokengate.Rule{rule(1, "alpha", tokengate.RuleBlock, tokengate.AllPeriods)}}
	e := rules.New(src)
	ctx := context.Background()

	res, _ := e.Evaluate(ctx, "alpha", 1)
	require.True(t, res.Matched())

	src.set([]tokengate.Rule{rule(2, "beta", tokengate.RuleBlock, tokengate.AllPeriods)})
	res, _ = e.Evaluate(ctx, "alpha", 1)
	assert.True(t, res.Matched(), "cached snapshot is used until reload")

	require.NoError(t, e.Reload(ctx))
	res, _ = e.Evaluate(ctx, "alpha", 1)
	assert.False(t, res.Matched())
	res, _ = e.Evaluate(ctx, "beta", 1)
	assert.Equal(t, int64(2), res.RuleID)
}

func TestReload_FailureKeepsPrevious(t *testing.T) {
	src := &staticSource{rules: []tokengate.Rule{rule(1, "alpha", tokengate.RuleBlock, tokengate.AllPeriods)}}
	e := rules.New(src)
	ctx := context.Background()
	require.NoError(t, e.Reload(ctx))

	src.mu.Lock()
	src.err = errors.New("db down")
	src.mu.Unlock()

	assert.Error(t, e.Reload(ctx))
	res, err := e.Evaluate(ctx, "alpha", 1)
	require.NoError(t, err)
	assert.True(t, res.Matched())
}

func TestEvaluate_ConcurrentFirstUse(t *testing.T) {
	src := &staticSource{rules: []tokengate.Rule{rule(1, "x", tokengate.RuleBlock, tokengate.AllPeriods)}}
	e := rules.New(src)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Evaluate(context.Background(), "x", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, src.calls.Load(), int64(20))
	assert.GreaterOrEqual(t, src.calls.Load(), int64(1))
}

// gatedSource holds its first load after reading, until released.
type gatedSource struct {
	staticSource
	first   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (s *gatedSource) LoadRules(ctx context.Context) ([]tokengate.Rule, error) {
	rs, err := s.staticSource.LoadRules(ctx)
	if s.first.CompareAndSwap(false, true) {
		close(s.read)
		<-s.release
	}
	return rs, err
}

func TestReload_DoesNotJoinStaleLoad(t *testing.T) {
	src := &gatedSource{read: make(chan struct{}), release: make(chan struct{})}
	e := rules.New(src)

	lazy := make(chan struct{})
	go func() {
		defer close(lazy)
		_, _ = e.Evaluate(context.Background(), "secret", 1)
	}()
	<-src.read

	src.set([]tokengate.Rule{rule(1, "secret", tokengate.RuleBlock, tokengate.AllPeriods)})
	require.NoError(t, e.Reload(context.Background()))

	close(src.release)
	<-lazy

	res, err := e.Evaluate(context.Background(), "the secret", 1)
	require.NoError(t, err)
	assert.Equal(t, tokengate.RuleBlock, res.Action)
	assert.Equal(t, int64(1), res.RuleID)
	assert.Len(t, e.Rules(), 1)
}
