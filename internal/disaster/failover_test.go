package disaster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	primaryEP = Endpoint{Name: "primary", Addr: "primary.internal.example"}
	standbyEP = Endpoint{Name: "standby", Addr: "standby.internal.example"}
)

// failoverHarness scripts the health check and records switchovers.
type failoverHarness struct {
	*FailoverManager
	healthy    bool
	switches   []Endpoint
	switchErrs []error
}

func newFailoverHarness(t *testing.T, threshold int) *failoverHarness {
	t.Helper()
	h := &failoverHarness{healthy: true}
	h.FailoverManager = NewFailoverManager(FailoverConfig{
		Primary: primaryEP,
		Standby: standbyEP,
		HealthCheck: func(context.Context, Endpoint) error {
			if h.healthy {
				return nil
			}
			return errors.New("connection refused")
		},
		Switchover: func(_ context.Context, to Endpoint) error {
			h.switches = append(h.switches, to)
			if len(h.switchErrs) > 0 {
				err := h.switchErrs[0]
				h.switchErrs = h.switchErrs[1:]
				return err
			}
			return nil
		},
		Threshold:     threshold,
		CheckInterval: time.Minute,
	}, quietLogger())
	return h
}

func TestFailoverSequence(t *testing.T) {
	h := newFailoverHarness(t, 3)
	ctx := context.Background()

	h.Check(ctx)
	assert.Equal(t, StatusHealthy, h.CurrentStatus())
	assert.Equal(t, primaryEP, h.Active())

	// Two failures stay below the threshold.
	h.healthy = false
	h.Check(ctx)
	h.Check(ctx)
	assert.Equal(t, StatusHealthy, h.CurrentStatus())
	assert.Empty(t, h.switches)

	// Third failure reaches it: failing, but traffic not moved yet.
	h.Check(ctx)
	assert.Equal(t, StatusPrimaryFailing, h.CurrentStatus())
	assert.Empty(t, h.switches)
	assert.Equal(t, primaryEP, h.Active())

	// One more flips to the standby.
	h.Check(ctx)
	assert.Equal(t, StatusFailedOver, h.CurrentStatus())
	assert.Equal(t, []Endpoint{standbyEP}, h.switches)
	assert.Equal(t, standbyEP, h.Active())

	// Further failures do not re-run the switchover.
	h.Check(ctx)
	h.Check(ctx)
	assert.Equal(t, []Endpoint{standbyEP}, h.switches)

	events := h.Events()
	require.Len(t, events, 2)
	assert.Equal(t, StatusPrimaryFailing, events[0].Status)
	assert.Equal(t, StatusFailedOver, events[1].Status)
}

func TestFailoverRecoveryBeforeSwitchover(t *testing.T) {
	h := newFailoverHarness(t, 2)
	ctx := context.Background()

	h.healthy = false
	h.Check(ctx)
	h.Check(ctx)
	assert.Equal(t, StatusPrimaryFailing, h.CurrentStatus())

	// Recovery resets the streak; the next failure run starts over.
	h.healthy = true
	h.Check(ctx)
	assert.Equal(t, StatusHealthy, h.CurrentStatus())

	h.healthy = false
	h.Check(ctx)
	h.Check(ctx)
	assert.Equal(t, StatusPrimaryFailing, h.CurrentStatus())
	assert.Empty(t, h.switches)
}

func TestFailoverSwitchoverRetriesAfterError(t *testing.T) {
	h := newFailoverHarness(t, 1)
	h.switchErrs = []error{errors.New("route53 throttled")}
	ctx := context.Background()

	h.healthy = false
	h.Check(ctx) // threshold reached
	h.Check(ctx) // switchover attempt fails
	assert.Equal(t, StatusPrimaryFailing, h.CurrentStatus())
	assert.Equal(t, primaryEP, h.Active())

	h.Check(ctx) // retried and succeeds
	assert.Equal(t, StatusFailedOver, h.CurrentStatus())
	assert.Equal(t, standbyEP, h.Active())
	assert.Len(t, h.switches, 2)
}

func TestFailback(t *testing.T) {
	h := newFailoverHarness(t, 1)
	ctx := context.Background()

	h.healthy = false
	h.Check(ctx)
	h.Check(ctx)
	require.Equal(t, StatusFailedOver, h.CurrentStatus())

	// Primary still down: refuse.
	err := h.Failback(ctx)
	require.Error(t, err)
	assert.Equal(t, standbyEP, h.Active())

	h.healthy = true
	require.NoError(t, h.Failback(ctx))
	assert.Equal(t, primaryEP, h.Active())
	assert.Equal(t, StatusHealthy, h.CurrentStatus())
	assert.Equal(t, []Endpoint{standbyEP, primaryEP}, h.switches)
}

func TestFailbackRequiresFailedOver(t *testing.T) {
	h := newFailoverHarness(t, 1)
	err := h.Failback(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not failed over")
}

func TestFailoverRunLoop(t *testing.T) {
	h := newFailoverHarness(t, 1)
	h.interval = 5 * time.Millisecond
	h.healthy = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	assert.Eventually(t, func() bool {
		return h.CurrentStatus() == StatusFailedOver
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, standbyEP, h.Active())
}

// fakeRoute53 captures the change batch.
type fakeRoute53 struct {
	inputs []*route53.ChangeResourceRecordSetsInput
	err    error
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, params *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

func TestRoute53SwitchoverUpsertsCNAME(t *testing.T) {
	fake := &fakeRoute53{}
	sw := NewRoute53SwitchoverWithClient(fake, "Z123456", "mail.example.com", 30)

	require.NoError(t, sw.Switch(context.Background(), standbyEP))
	require.Len(t, fake.inputs, 1)

	input := fake.inputs[0]
	assert.Equal(t, "Z123456", aws.ToString(input.HostedZoneId))
	require.Len(t, input.ChangeBatch.Changes, 1)

	change := input.ChangeBatch.Changes[0]
	assert.Equal(t, r53types.ChangeActionUpsert, change.Action)
	assert.Equal(t, "mail.example.com.", aws.ToString(change.ResourceRecordSet.Name))
	assert.Equal(t, r53types.RRTypeCname, change.ResourceRecordSet.Type)
	assert.Equal(t, int64(30), aws.ToInt64(change.ResourceRecordSet.TTL))
	require.Len(t, change.ResourceRecordSet.ResourceRecords, 1)
	assert.Equal(t, standbyEP.Addr, aws.ToString(change.ResourceRecordSet.ResourceRecords[0].Value))
	assert.Contains(t, aws.ToString(input.ChangeBatch.Comment), "standby")
}

func TestRoute53SwitchoverKeepsTrailingDot(t *testing.T) {
	fake := &fakeRoute53{}
	sw := NewRoute53SwitchoverWithClient(fake, "Z123456", "mail.example.com.", 0)

	require.NoError(t, sw.Switch(context.Background(), primaryEP))
	change := fake.inputs[0].ChangeBatch.Changes[0]
	assert.Equal(t, "mail.example.com.", aws.ToString(change.ResourceRecordSet.Name))
	// TTL falls back to the default when unset.
	assert.Equal(t, int64(60), aws.ToInt64(change.ResourceRecordSet.TTL))
}

func TestRoute53SwitchoverPropagatesError(t *testing.T) {
	fake := &fakeRoute53{err: errors.New("access denied")}
	sw := NewRoute53SwitchoverWithClient(fake, "Z123456", "mail.example.com", 60)

	err := sw.Switch(context.Background(), standbyEP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
