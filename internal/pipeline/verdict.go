// Package pipeline scores inbound messages: it classifies the email
// type, runs SPF/DKIM/DMARC, applies the content and reputation
// detectors the classification leaves enabled, and folds everything
// into a 0-100 threat score with an action.
package pipeline

import (
	"time"

	"github.com/ignite/mailguard/internal/emailauth/dkim"
	"github.com/ignite/mailguard/internal/emailauth/dmarc"
	"github.com/ignite/mailguard/internal/emailauth/spf"
	"github.com/ignite/mailguard/internal/senders"
)

// Action is what the verdict tells the remediator to do.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionFlag       Action = "flag"
	ActionQuarantine Action = "quarantine"
	ActionBlock      Action = "block"
)

// Signal is one weighted threat indicator. Weights are fractions of
// the full score: the sum of weights times 100, scaled by the
// classifier's modifier, becomes the final score.
type Signal struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Evidence    string  `json:"evidence,omitempty"`
}

// LayerResult records one detection layer's run for the verdict trail.
type LayerResult struct {
	Layer      string        `json:"layer"`
	Signals    int           `json:"signals"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skipReason,omitempty"`
	Err        string        `json:"error,omitempty"`
}

// AuthResults bundles the three authentication outcomes.
type AuthResults struct {
	SPF   *spf.Result          `json:"spf,omitempty"`
	DKIM  []*dkim.VerifyResult `json:"dkim,omitempty"`
	DMARC *dmarc.Evaluation    `json:"dmarc,omitempty"`
}

// Verdict is the scan outcome for one message.
type Verdict struct {
	MessageID      string                  `json:"messageId"`
	TenantID       string                  `json:"tenantId"`
	Action         Action                  `json:"action"`
	Score          float64                 `json:"score"`
	RawScore       float64                 `json:"rawScore"`
	Modifier       float64                 `json:"modifier"`
	Classification *senders.Classification `json:"classification"`
	Auth           AuthResults             `json:"auth"`
	Signals        []Signal                `json:"signals,omitempty"`
	Layers         []LayerResult           `json:"layers"`
	Duration       time.Duration           `json:"duration"`
	ScannedAt      time.Time               `json:"scannedAt"`

	// Remediated reports that auto-remediation was dispatched for this
	// verdict. Remediation failures never overturn the verdict; they
	// are logged and audited for the retry sweep.
	Remediated bool `json:"remediated,omitempty"`
}

// Thresholds maps scores to actions. Zero values take the defaults
// (block 80, quarantine 50, flag 25).
type Thresholds struct {
	Block      float64
	Quarantine float64
	Flag       float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Block <= 0 {
		t.Block = 80
	}
	if t.Quarantine <= 0 {
		t.Quarantine = 50
	}
	if t.Flag <= 0 {
		t.Flag = 25
	}
	return t
}

// actionFor maps a score onto the threshold ladder.
func (t Thresholds) actionFor(score float64) Action {
	switch {
	case score >= t.Block:
		return ActionBlock
	case score >= t.Quarantine:
		return ActionQuarantine
	case score >= t.Flag:
		return ActionFlag
	default:
		return ActionAllow
	}
}
