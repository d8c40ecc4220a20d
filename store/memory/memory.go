// Package memory is an in-process store for single-instance deployments
// and tests. It serves callers, quota usage, rules, weekly prompts and
// audit entries from maps guarded by one RWMutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/audit"
	"github.com/ineyio/tokengate/quota"
	"github.com/ineyio/tokengate/rules"
	"github.com/ineyio/tokengate/weeklyprompt"
)

// Store keeps everything in memory.
type Store struct {
	mu            sync.RWMutex
	callers       map[string]tokengate.Caller // by credential hash
	usage         map[quota.Key]int64
	rules         []tokengate.Rule
	prompts       []tokengate.WeeklyPrompt
	conversations map[string]tokengate.ConversationLogEntry
	order         []string
}

var (
	_ tokengate.CallerStore = (*Store)(nil)
	_ quota.Store           = (*Store)(nil)
	_ rules.Source          = (*Store)(nil)
	_ weeklyprompt.Source   = (*Store)(nil)
	_ audit.Sink            = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		callers:       make(map[string]tokengate.Caller),
		usage:         make(map[quota.Key]int64),
		conversations: make(map[string]tokengate.ConversationLogEntry),
	}
}

// PutCaller adds or replaces a caller keyed by its credential hash.
func (s *Store) PutCaller(c tokengate.Caller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, existing := range s.callers {
		if existing.ID == c.ID && hash != c.CredentialHash {
			delete(s.callers, hash)
		}
	}
	s.callers[c.CredentialHash] = c
}

// Deactivate marks a caller inactive. Callers are never removed.
func (s *Store) Deactivate(callerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, c := range s.callers {
		if c.ID == callerID {
			c.Active = false
			s.callers[hash] = c
			return true
		}
	}
	return false
}

// SetRules replaces the rule set.
func (s *Store) SetRules(rs []tokengate.Rule) {
	s.mu.Lock()
	s.rules = append([]tokengate.Rule(nil), rs...)
	s.mu.Unlock()
}

// PutWeeklyPrompt adds or replaces a prompt by ID and stamps UpdatedAt
// when it is unset.
func (s *Store) PutWeeklyPrompt(p tokengate.WeeklyPrompt) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.prompts {
		if existing.ID == p.ID {
			s.prompts[i] = p
			return
		}
	}
	s.prompts = append(s.prompts, p)
}

// LookupCaller returns the caller with the credential hash. WeeklyUsed is
// the usage recorded for the caller's latest period.
func (s *Store) LookupCaller(_ context.Context, hash string) (tokengate.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.callers[hash]
	if !ok {
		return tokengate.Caller{}, tokengate.ErrCallerNotFound
	}
	latest := 0
	for k, used := range s.usage {
		if k.CallerID == c.ID && k.Period >= latest {
			latest = k.Period
			c.WeeklyUsed = used
		}
	}
	return c, nil
}

// LoadQuota returns the caller's grant and recorded usage for period.
func (s *Store) LoadQuota(_ context.Context, callerID string, period int) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.callers {
		if c.ID == callerID {
			return c.WeeklyGrant, s.usage[quota.Key{CallerID: callerID, Period: period}], nil
		}
	}
	return 0, 0, tokengate.ErrCallerNotFound
}

// SaveUsage records usage for the period. Lower values are ignored.
func (s *Store) SaveUsage(_ context.Context, callerID string, period int, used int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := quota.Key{CallerID: callerID, Period: period}
	if used > s.usage[k] {
		s.usage[k] = used
	}
	return nil
}

// LoadRules returns a copy of the rule set.
func (s *Store) LoadRules(context.Context) ([]tokengate.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tokengate.Rule(nil), s.rules...), nil
}

// LoadWeeklyPrompts returns the active prompts covering period.
func (s *Store) LoadWeeklyPrompts(_ context.Context, period int) ([]tokengate.WeeklyPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tokengate.WeeklyPrompt
	for _, p := range s.prompts {
		if p.Active && p.Range().Contains(period) {
			out = append(out, p)
		}
	}
	return out, nil
}

// InsertConversations stores entries, ignoring IDs already present.
func (s *Store) InsertConversations(_ context.Context, entries []tokengate.ConversationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.conversations[e.ID]; ok {
			continue
		}
		s.conversations[e.ID] = e
		s.order = append(s.order, e.ID)
	}
	return nil
}

// Conversations returns stored entries in insertion order, optionally
// filtered by caller.
func (s *Store) Conversations(callerID string) []tokengate.ConversationLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tokengate.ConversationLogEntry, 0, len(s.order))
	for _, id := range s.order {
		e := s.conversations[id]
		if callerID == "" || e.CallerID == callerID {
			out = append(out, e)
		}
	}
	return out
}

// Seed loads callers, rules and weekly prompts from config. Rules whose
// active weeks cannot be parsed are kept for every period and reported
// through onRuleError.
func (s *Store) Seed(cfg tokengate.SeedConfig, onRuleError func(tokengate.RuleConfig, error)) {
	for _, cc := range cfg.Callers {
		s.PutCaller(cc.Caller())
	}

	rs := make([]tokengate.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		r, err := rc.Rule()
		if err != nil && onRuleError != nil {
			onRuleError(rc, err)
		}
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	s.SetRules(rs)

	for _, wc := range cfg.WeeklyPrompts {
		s.PutWeeklyPrompt(tokengate.WeeklyPrompt{
			ID:          wc.ID,
			PeriodStart: wc.WeekStart,
			PeriodEnd:   wc.WeekEnd,
			Text:        wc.Text,
			Description: wc.Description,
			Active:      true,
		})
	}
}
