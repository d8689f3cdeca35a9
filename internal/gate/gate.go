// Package gate is the cheap pre-filter in front of the memory pipeline:
// it decides whether an exchange is worth the cost of full RAG and write
// processing. Any failure inside the gate fails open — an exchange is only
// ever skipped by a reasoned decision, never by a crashing filter.
package gate

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/softsense/memoir/internal/extract"
	"github.com/softsense/memoir/internal/logging"
	"github.com/softsense/memoir/internal/types"
)

// Policy holds the tunable gate thresholds, loadable from YAML.
type Policy struct {
	// MinWords below which a user message is low-info unless it carries
	// named entities.
	MinWords int `yaml:"min_words"`
	// SkipLowInfo skips backchannels and greetings with no entities.
	SkipLowInfo bool `yaml:"skip_low_info"`
	// AlwaysAcceptQuestions processes interrogative exchanges even when
	// they are short; a question often reveals what the user cares about.
	AlwaysAcceptQuestions bool `yaml:"always_accept_questions"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinWords:              3,
		SkipLowInfo:           true,
		AlwaysAcceptQuestions: true,
	}
}

// LoadPolicy reads a YAML policy file. A missing file yields the default
// policy; a malformed file is an error so typos don't silently change
// behavior.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read gate policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse gate policy: %w", err)
	}
	return p, nil
}

// Decision is the gate's verdict on one exchange.
type Decision struct {
	Accept bool
	Reason string
}

// Gate evaluates exchanges against a policy.
type Gate struct {
	policy    Policy
	extractor *extract.Extractor
}

func New(policy Policy) *Gate {
	return &Gate{policy: policy, extractor: extract.New()}
}

// Evaluate decides whether an exchange deserves full processing. prior
// holds recent exchanges from the same conversation, newest last; a short
// follow-up right after an accepted exchange is accepted too, since it
// likely continues the same thought.
//
// Panics inside evaluation are absorbed and fail open.
func (g *Gate) Evaluate(ex *types.Exchange, prior []*types.Exchange) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			logging.Info("gate", "evaluation panicked, failing open: %v", r)
			d = Decision{Accept: true, Reason: "gate error (fail open)"}
		}
	}()

	msg := strings.TrimSpace(ex.UserMessage)
	if msg == "" && strings.TrimSpace(ex.AssistantReply) == "" {
		return Decision{Accept: false, Reason: "empty exchange"}
	}

	act := ClassifyDialogueAct(msg)

	if g.policy.AlwaysAcceptQuestions && act == ActQuestion {
		return Decision{Accept: true, Reason: "question"}
	}

	// Only the user's words count here. Assistant replies are full prose
	// where NER tags sentence-initial capitalized words as entities, which
	// would let any polite acknowledgment defeat the low-info skip.
	entities := g.extractor.Names(msg)

	if g.policy.SkipLowInfo && (act == ActBackchannel || act == ActGreeting) && len(entities) == 0 {
		return Decision{Accept: false, Reason: fmt.Sprintf("low-info %s", act)}
	}

	if len(strings.Fields(msg)) < g.policy.MinWords && len(entities) == 0 {
		// A terse follow-up to something we just accepted rides along.
		if len(prior) > 0 {
			return Decision{Accept: true, Reason: "short follow-up in active conversation"}
		}
		return Decision{Accept: false, Reason: "too short, no entities"}
	}

	if len(entities) > 0 {
		return Decision{Accept: true, Reason: fmt.Sprintf("entities: %s", strings.Join(entities, ", "))}
	}
	return Decision{Accept: true, Reason: string(act)}
}
