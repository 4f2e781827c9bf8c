package disaster

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
)

// route53API is the slice of the route53 client the switchover uses.
type route53API interface {
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Route53Switchover repoints a service CNAME at whichever endpoint is
// taking traffic. Switch satisfies the FailoverManager Switchover
// signature.
type Route53Switchover struct {
	client       route53API
	hostedZoneID string
	recordName   string
	ttl          int64
}

// NewRoute53Switchover builds a switchover against live AWS using the
// default credential chain.
func NewRoute53Switchover(ctx context.Context, region, hostedZoneID, recordName string, ttl int64) (*Route53Switchover, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("disaster: load aws config: %w", err)
	}
	return NewRoute53SwitchoverWithClient(route53.NewFromConfig(cfg), hostedZoneID, recordName, ttl), nil
}

// NewRoute53SwitchoverWithClient wires an explicit client, used by tests.
func NewRoute53SwitchoverWithClient(client route53API, hostedZoneID, recordName string, ttl int64) *Route53Switchover {
	if ttl <= 0 {
		ttl = 60
	}
	return &Route53Switchover{
		client:       client,
		hostedZoneID: hostedZoneID,
		recordName:   recordName,
		ttl:          ttl,
	}
}

// Switch UPSERTs the service record as a CNAME to the endpoint's
// address. Idempotent: repeating the same target is a no-op upsert.
func (r *Route53Switchover) Switch(ctx context.Context, to Endpoint) error {
	recordName := r.recordName
	if !strings.HasSuffix(recordName, ".") {
		recordName = recordName + "."
	}

	change := r53types.Change{
		Action: r53types.ChangeActionUpsert,
		ResourceRecordSet: &r53types.ResourceRecordSet{
			Name: aws.String(recordName),
			Type: r53types.RRTypeCname,
			TTL:  aws.Int64(r.ttl),
			ResourceRecords: []r53types.ResourceRecord{
				{Value: aws.String(to.Addr)},
			},
		},
	}

	_, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(r.hostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{change},
			Comment: aws.String(fmt.Sprintf("mailguard failover to %s", to.Name)),
		},
	})
	if err != nil {
		return fmt.Errorf("disaster: upsert %s -> %s: %w", recordName, to.Addr, err)
	}
	return nil
}
