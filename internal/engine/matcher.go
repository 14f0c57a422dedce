// Package engine implements the BotForge conversation engine: trigger
// matching, scenario execution, per-user state control and action dispatch.
package engine

import (
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/botforge/botforge/internal/models"
)

// candidateSource tells where a match candidate came from.
type candidateSource int

const (
	sourceTrigger candidateSource = iota
	sourceScenarioStart
	sourceStepTrigger
)

// candidate is one rule that matched the inbound message, carrying enough
// metadata to run the deterministic tie-break.
type candidate struct {
	source     candidateSource
	triggerID  string
	scenarioID string
	actions    []models.Action

	priority    int
	specificity int
	// seq is the creation-order position within the evaluated rule set,
	// the final tie-break. Lists are store-ordered by creation.
	seq int
}

// kindSpecificity orders kinds from most to least specific for tie-breaking.
// Higher wins.
func kindSpecificity(k models.TriggerKind) int {
	switch k {
	case models.KindExactMatch:
		return 5
	case models.KindStartsWith:
		return 4
	case models.KindContains:
		return 3
	case models.KindRegex:
		return 2
	case models.KindNumberRange:
		return 1
	default:
		return 0
	}
}

// normalizeText lowercases and trims the message once per turn so every
// case-normalized comparison sees the same form.
func normalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// leadingNumber extracts a parseable numeric token from the start of the
// message. Non-numeric input is a matching miss, never an error.
func leadingNumber(text string) (float64, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0, false
	}
	token := strings.Trim(fields[0], ",.!?")
	token = strings.ReplaceAll(token, ",", ".")
	n, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// matchPredicate evaluates a single predicate against the normalized message.
func matchPredicate(p *models.Predicate, normalized string) bool {
	switch p.Kind {
	case models.KindExactMatch:
		return normalized == normalizeText(p.Value)
	case models.KindContains:
		if p.Value == models.Wildcard {
			return true
		}
		return strings.Contains(normalized, normalizeText(p.Value))
	case models.KindStartsWith:
		if p.Value == models.Wildcard {
			return true
		}
		return strings.HasPrefix(normalized, normalizeText(p.Value))
	case models.KindRegex:
		if normalized == "" || !utf8.ValidString(normalized) {
			return false
		}
		re := p.Pattern()
		if re == nil {
			return false
		}
		return re.MatchString(normalized)
	case models.KindNumberRange:
		n, ok := leadingNumber(normalized)
		if !ok {
			return false
		}
		return n >= p.RangeMin && n <= p.RangeMax
	default:
		return false
	}
}

// matchTrigger evaluates a standalone trigger, including the user_state kind
// that predicates do not carry.
func matchTrigger(t *models.Trigger, normalized string, user *models.User) bool {
	if !t.Active {
		return false
	}
	if t.Kind == models.KindUserState {
		return user != nil && string(user.CurrentState) == t.Value
	}
	p := t.Predicate()
	return matchPredicate(&p, normalized)
}

// selectWinner picks at most one candidate under the total order:
// priority descending, kind specificity descending, creation order ascending.
func selectWinner(cands []candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority > cands[j].priority
		}
		if cands[i].specificity != cands[j].specificity {
			return cands[i].specificity > cands[j].specificity
		}
		return cands[i].seq < cands[j].seq
	})
	return &cands[0]
}

// globalRule is one entry of the combined creation-ordered rule view:
// either a standalone trigger or a scenario competing via its start triggers.
type globalRule struct {
	trigger  *models.Trigger
	scenario *models.Scenario
	created  time.Time
}

// matchGlobal evaluates all global triggers and every scenario's start
// triggers together, returning the single winner or nil on no match.
// Triggers and scenarios compete in one view ordered by creation time, so
// the oldest rule wins the final tie regardless of which kind it is.
func matchGlobal(triggers []models.Trigger, scenarios []models.Scenario, text string, user *models.User) *candidate {
	normalized := normalizeText(text)

	rules := make([]globalRule, 0, len(triggers)+len(scenarios))
	for i := range triggers {
		rules = append(rules, globalRule{trigger: &triggers[i], created: triggers[i].CreatedAt})
	}
	for i := range scenarios {
		rules = append(rules, globalRule{scenario: &scenarios[i], created: scenarios[i].CreatedAt})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].created.Before(rules[j].created)
	})

	var cands []candidate
	for seq := range rules {
		switch {
		case rules[seq].trigger != nil:
			t := rules[seq].trigger
			if matchTrigger(t, normalized, user) {
				cands = append(cands, candidate{
					source:      sourceTrigger,
					triggerID:   t.ID,
					actions:     t.Actions,
					priority:    t.Priority,
					specificity: kindSpecificity(t.Kind),
					seq:         seq,
				})
			}
		case rules[seq].scenario != nil:
			sc := rules[seq].scenario
			if !sc.Active {
				continue
			}
			best := -1
			for j := range sc.StartTriggers {
				if matchPredicate(&sc.StartTriggers[j], normalized) {
					if s := kindSpecificity(sc.StartTriggers[j].Kind); s > best {
						best = s
					}
				}
			}
			if best >= 0 {
				cands = append(cands, candidate{
					source:      sourceScenarioStart,
					scenarioID:  sc.ID,
					priority:    sc.Priority,
					specificity: best,
					seq:         seq,
				})
			}
		}
	}
	return selectWinner(cands)
}

// matchStep evaluates only the current step's triggers. Global triggers are
// deliberately suppressed while a scenario is active so an in-flight flow
// cannot be hijacked by an ambient keyword.
func matchStep(step *models.Step, text string) *candidate {
	normalized := normalizeText(text)
	var cands []candidate
	for i := range step.Triggers {
		p := &step.Triggers[i]
		if matchPredicate(p, normalized) {
			cands = append(cands, candidate{
				source:      sourceStepTrigger,
				actions:     step.Actions,
				specificity: kindSpecificity(p.Kind),
				seq:         i,
			})
		}
	}
	return selectWinner(cands)
}
