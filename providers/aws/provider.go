// Package aws inventories and retires EC2 instances, EBS volumes, RDS
// instances and DynamoDB tables.
package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/sunset/providers"
	"github.com/yairfalse/sunset/telemetry"
	"github.com/yairfalse/sunset/types"
)

const (
	// DefaultLookback is how far back utilization metrics are read. It covers
	// the default database idle threshold plus the grace period.
	DefaultLookback = 21 * 24 * time.Hour
	// DefaultStopTimeout bounds the wait for an instance to stop
	DefaultStopTimeout = 10 * time.Minute
)

func init() {
	providers.RegisterProvider("aws", func(ctx context.Context, cfg providers.ProviderConfig) (providers.CloudProvider, error) {
		return NewProvider(ctx, cfg)
	})
}

// Clients groups the AWS APIs the provider calls
type Clients struct {
	EC2        EC2API
	RDS        RDSAPI
	DynamoDB   DynamoDBAPI
	CloudTrail CloudTrailAPI
	CloudWatch CloudWatchAPI
}

// Options tune a Provider
type Options struct {
	Region              string
	UtilizationLookback time.Duration
	SkipFinalSnapshot   bool
	StopTimeout         time.Duration
}

// Provider implements providers.CloudProvider on AWS SDK v2
type Provider struct {
	clients           Clients
	region            string
	lookback          time.Duration
	skipFinalSnapshot bool
	stopTimeout       time.Duration
	logger            *telemetry.Logger
	tracer            trace.Tracer
	now               func() time.Time
}

var _ providers.CloudProvider = (*Provider)(nil)

// NewProvider loads credentials from the default chain and builds clients
func NewProvider(ctx context.Context, cfg providers.ProviderConfig) (*Provider, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clients := Clients{
		EC2:        ec2.NewFromConfig(awsCfg),
		RDS:        rds.NewFromConfig(awsCfg),
		DynamoDB:   dynamodb.NewFromConfig(awsCfg),
		CloudTrail: cloudtrail.NewFromConfig(awsCfg),
		CloudWatch: cloudwatch.NewFromConfig(awsCfg),
	}
	return NewWithClients(clients, Options{
		Region:              awsCfg.Region,
		UtilizationLookback: cfg.UtilizationLookback,
		SkipFinalSnapshot:   cfg.SkipFinalSnapshot,
	}), nil
}

// NewWithClients builds a provider around existing clients
func NewWithClients(clients Clients, opts Options) *Provider {
	if opts.UtilizationLookback <= 0 {
		opts.UtilizationLookback = DefaultLookback
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Provider{
		clients:           clients,
		region:            opts.Region,
		lookback:          opts.UtilizationLookback,
		skipFinalSnapshot: opts.SkipFinalSnapshot,
		stopTimeout:       opts.StopTimeout,
		logger:            telemetry.NewLogger("aws-provider"),
		tracer:            otel.Tracer("sunset/providers/aws"),
		now:               time.Now,
	}
}

func (p *Provider) Name() string   { return "aws" }
func (p *Provider) Region() string { return p.region }

// ListResources returns every retirable resource matching filter, sorted
// by ID. Resources already being deleted are left out.
func (p *Provider) ListResources(ctx context.Context, filter types.ResourceFilter) ([]types.Resource, error) {
	ctx, span := p.tracer.Start(ctx, "aws.list_resources",
		trace.WithAttributes(attribute.String("region", p.region)))
	defer span.End()

	listers := []struct {
		name string
		kind types.Kind
		list func(context.Context) ([]types.Resource, error)
	}{
		{"ec2 instances", types.KindVM, p.listInstances},
		{"ebs volumes", types.KindDisk, p.listVolumes},
		{"rds instances", types.KindDatabase, p.listDBInstances},
		{"dynamodb tables", types.KindDatabase, p.listTables},
	}

	var resources []types.Resource
	for _, l := range listers {
		if !filter.WantsKind(l.kind) {
			continue
		}
		found, err := l.list(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", l.name, err)
		}
		for _, res := range found {
			if res.Matches(filter) {
				resources = append(resources, res)
			}
		}
	}

	sort.Slice(resources, func(i, j int) bool { return resources[i].ID < resources[j].ID })
	span.SetAttributes(attribute.Int("resources", len(resources)))
	return resources, nil
}

// Delete retires res. Errors are classified.
func (p *Provider) Delete(ctx context.Context, res types.Resource) error {
	ctx, span := p.tracer.Start(ctx, "aws.delete",
		trace.WithAttributes(attribute.String("resource.id", res.ID)))
	defer span.End()

	ref, err := parseRef(res.ID)
	if err != nil {
		return types.NewError(types.ErrorClassUnknown, "delete", err).WithResource(res.ID)
	}
	switch ref.service {
	case serviceInstance:
		return p.terminateInstance(ctx, ref.name)
	case serviceVolume:
		return p.deleteVolume(ctx, ref.name)
	case serviceRDS:
		return p.deleteDBInstance(ctx, res.ID, ref.name)
	default:
		return p.deleteTable(ctx, res.ID, ref.name)
	}
}

// Exists reports whether res is still present and not being deleted
func (p *Provider) Exists(ctx context.Context, res types.Resource) (bool, error) {
	ref, err := parseRef(res.ID)
	if err != nil {
		return false, err
	}
	switch ref.service {
	case serviceInstance:
		return p.instanceExists(ctx, ref.name)
	case serviceVolume:
		return p.volumeExists(ctx, ref.name)
	case serviceRDS:
		return p.dbInstanceExists(ctx, ref.name)
	default:
		return p.tableExists(ctx, ref.name)
	}
}

type service int

const (
	serviceInstance service = iota
	serviceVolume
	serviceRDS
	serviceDynamoDB
)

type resourceRef struct {
	service service
	name    string
}

// parseRef recovers the service and native identifier from a resource ID.
// EC2 resources use their native IDs, databases their ARNs.
func parseRef(id string) (resourceRef, error) {
	switch {
	case strings.HasPrefix(id, "i-"):
		return resourceRef{serviceInstance, id}, nil
	case strings.HasPrefix(id, "vol-"):
		return resourceRef{serviceVolume, id}, nil
	}

	a, err := arn.Parse(id)
	if err != nil {
		return resourceRef{}, fmt.Errorf("unrecognized AWS resource ID %q", id)
	}
	switch {
	case a.Service == "rds" && strings.HasPrefix(a.Resource, "db:"):
		return resourceRef{serviceRDS, strings.TrimPrefix(a.Resource, "db:")}, nil
	case a.Service == "dynamodb" && strings.HasPrefix(a.Resource, "table/"):
		return resourceRef{serviceDynamoDB, strings.TrimPrefix(a.Resource, "table/")}, nil
	}
	return resourceRef{}, fmt.Errorf("unsupported AWS resource %q", id)
}

func toTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func nameTag(tags map[string]string, fallback string) string {
	if v := tags["Name"]; v != "" {
		return v
	}
	return fallback
}
