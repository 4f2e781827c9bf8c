package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/mailguard/internal/emailauth/dkim"
	"github.com/ignite/mailguard/internal/emailauth/dmarc"
	"github.com/ignite/mailguard/internal/emailauth/spf"
	"github.com/ignite/mailguard/internal/message"
	"github.com/ignite/mailguard/internal/pkg/logger"
	"github.com/ignite/mailguard/internal/queue"
	"github.com/ignite/mailguard/internal/remediation"
	"github.com/ignite/mailguard/internal/reputation"
	"github.com/ignite/mailguard/internal/senders"
)

// Deps lists the analyzer's collaborators. Reputation and Remediator
// are optional; leaving them nil disables those stages.
type Deps struct {
	Classifier *senders.Classifier
	SPF        *spf.Evaluator
	DKIM       *dkim.Verifier
	DMARC      *dmarc.Evaluator
	Reputation *reputation.Service
	Remediator *remediation.Remediator
}

// Config tunes the verdict thresholds and whether block/quarantine
// verdicts act on the mailbox immediately.
type Config struct {
	Thresholds    Thresholds
	AutoRemediate bool
}

// Analyzer runs the full scan for one message: classification,
// authentication, content detectors, source reputation, scoring and
// auto-remediation.
type Analyzer struct {
	classifier *senders.Classifier
	spf        *spf.Evaluator
	dkim       *dkim.Verifier
	dmarc      *dmarc.Evaluator
	reputation *reputation.Service
	remediator *remediation.Remediator

	thresholds    Thresholds
	autoRemediate bool
	log           *logger.Logger

	now func() time.Time
}

func NewAnalyzer(deps Deps, cfg Config, log *logger.Logger) *Analyzer {
	return &Analyzer{
		classifier:    deps.Classifier,
		spf:           deps.SPF,
		dkim:          deps.DKIM,
		dmarc:         deps.DMARC,
		reputation:    deps.Reputation,
		remediator:    deps.Remediator,
		thresholds:    cfg.Thresholds.withDefaults(),
		autoRemediate: cfg.AutoRemediate,
		log:           log,
		now:           time.Now,
	}
}

// Scan produces the verdict for one message. Degraded inputs (missing
// source IP, unverifiable signatures, DNS trouble) degrade the
// corresponding layer, never the scan: the only errors are a nil
// message and a cancelled context.
func (a *Analyzer) Scan(ctx context.Context, tenantID string, email *message.ParsedEmail) (*Verdict, error) {
	if email == nil {
		return nil, errors.New("pipeline: nil message")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := a.now()

	var (
		layers  []LayerResult
		signals []Signal
	)

	// Layer 1: classification decides the modifier and which content
	// detectors stay enabled.
	ls := a.now()
	cls := a.classifier.Classify(email)
	layers = append(layers, LayerResult{
		Layer:    "classification",
		Duration: a.now().Sub(ls),
	})

	// Layer 2: SPF, DKIM, DMARC.
	ls = a.now()
	auth := a.authenticate(ctx, email)
	as := authSignals(&auth)
	signals = append(signals, as...)
	layers = append(layers, LayerResult{
		Layer:    "authentication",
		Signals:  len(as),
		Duration: a.now().Sub(ls),
	})

	// Layer 3: content detectors, gated by the classification.
	ls = a.now()
	var cs []Signal
	if cls.SkipBECDetection {
		layers = append(layers, LayerResult{
			Layer:      "bec",
			Skipped:    true,
			SkipReason: "sender classification",
		})
	} else {
		cs = append(cs, becSignals(email)...)
	}
	if cls.SkipGiftCardDetection {
		layers = append(layers, LayerResult{
			Layer:      "gift_card",
			Skipped:    true,
			SkipReason: "sender classification",
		})
	} else {
		cs = append(cs, giftCardSignals(email)...)
	}
	cs = append(cs, credentialSignals(email)...)
	cs = append(cs, attachmentSignals(email)...)
	signals = append(signals, cs...)
	layers = append(layers, LayerResult{
		Layer:    "content",
		Signals:  len(cs),
		Duration: a.now().Sub(ls),
	})

	// Layer 4: source-IP reputation, when the service is wired and the
	// ingress captured a public source.
	if a.reputation != nil {
		layers = append(layers, a.reputationLayer(ctx, email, &signals))
	}

	raw := 0.0
	for _, s := range signals {
		raw += s.Weight
	}
	rawScore := raw * 100
	score := clamp(rawScore*cls.ThreatScoreModifier, 0, 100)
	action := a.thresholds.actionFor(score)

	verdict := &Verdict{
		MessageID:      email.MessageID,
		TenantID:       tenantID,
		Action:         action,
		Score:          score,
		RawScore:       rawScore,
		Modifier:       cls.ThreatScoreModifier,
		Classification: cls,
		Auth:           auth,
		Signals:        signals,
		Layers:         layers,
		Duration:       a.now().Sub(start),
		ScannedAt:      start,
	}

	scansTotal.WithLabelValues(string(action), string(cls.Type)).Inc()
	scanDuration.Observe(verdict.Duration.Seconds())
	threatScore.Observe(score)

	if a.autoRemediate && a.remediator != nil {
		if ra := remediationAction(action); ra != "" {
			a.remediator.AutoRemediate(ctx, remediation.Disposition{
				TenantID:  tenantID,
				MessageID: email.MessageID,
				Action:    ra,
				Score:     score,
			})
			verdict.Remediated = true
		}
	}

	a.log.Info("scan complete",
		"message_id", email.MessageID,
		"tenant_id", tenantID,
		"action", string(action),
		"score", score,
		"signals", len(signals),
		"type", string(cls.Type),
		"duration_ms", verdict.Duration.Milliseconds())

	return verdict, nil
}

// authenticate runs SPF, DKIM and DMARC, feeding the first two into
// the third. Stages without their required inputs are skipped: SPF
// needs the source IP, DKIM the raw header block.
func (a *Analyzer) authenticate(ctx context.Context, email *message.ParsedEmail) AuthResults {
	var auth AuthResults

	if a.spf != nil && email.SourceIP != "" {
		sender := email.EnvelopeFrom
		if sender == "" {
			sender = email.From.Address
		}
		auth.SPF = a.spf.Validate(ctx, email.SourceIP, sender, email.MailFromDomain())
	}

	if a.dkim != nil && len(email.RawHeaders) > 0 {
		auth.DKIM = a.dkim.Verify(ctx, email.RawHeaders, email.RawBody)
	}

	if a.dmarc != nil && email.From.Domain != "" {
		in := dmarc.EvalInput{
			HeaderFrom: email.From.Domain,
			MailFrom:   email.MailFromDomain(),
		}
		if auth.SPF != nil {
			in.SPFCode = auth.SPF.Code
		}
		for _, r := range auth.DKIM {
			in.DKIM = append(in.DKIM, dmarc.DKIMIdentity{Domain: r.Domain, Result: r.Code})
		}
		auth.DMARC = a.dmarc.Evaluate(ctx, in)
	}

	return auth
}

func (a *Analyzer) reputationLayer(ctx context.Context, email *message.ParsedEmail, signals *[]Signal) LayerResult {
	ls := a.now()
	layer := LayerResult{Layer: "reputation"}

	if email.SourceIP == "" {
		layer.Skipped = true
		layer.SkipReason = "no source ip"
		return layer
	}

	report, err := a.reputation.Report(ctx, email.SourceIP)
	switch {
	case errors.Is(err, reputation.ErrPrivateAddress):
		layer.Skipped = true
		layer.SkipReason = "private source ip"
	case err != nil:
		// Reputation is advisory; a provider outage degrades the layer
		// and the scan continues.
		layer.Err = err.Error()
	case report.RiskScore > 0 || report.IsProxy:
		weight := 0.3 * report.RiskScore
		if report.IsProxy {
			weight += 0.1
		}
		*signals = append(*signals, Signal{
			Category:    "reputation",
			Description: "message originates from a high-risk source",
			Weight:      weight,
			Evidence:    reputationEvidence(report),
		})
		layer.Signals = 1
	}

	layer.Duration = a.now().Sub(ls)
	return layer
}

func reputationEvidence(r *reputation.IPReport) string {
	ev := r.IP
	if r.Country != "" {
		ev += " (" + r.Country + ")"
	}
	if r.IsProxy {
		ev += " proxy"
	}
	return ev
}

// ProcessJob makes the analyzer pluggable as the scan queue's
// processor. Scan errors bubble up so the queue can retry the job.
func (a *Analyzer) ProcessJob(ctx context.Context, job *queue.ScanJob) (float64, error) {
	tenantID := job.TenantID
	if tenantID == "" && job.Email != nil {
		tenantID = job.Email.TenantID
	}
	v, err := a.Scan(ctx, tenantID, job.Email)
	if err != nil {
		return 0, err
	}
	return v.Score, nil
}

// remediationAction maps a verdict action onto the mailbox action
// auto-remediation performs. Flag and allow verdicts stay in the
// inbox untouched.
func remediationAction(a Action) remediation.Action {
	switch a {
	case ActionBlock:
		return remediation.ActionDelete
	case ActionQuarantine:
		return remediation.ActionQuarantine
	default:
		return ""
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
