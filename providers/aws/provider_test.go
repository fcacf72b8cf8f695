package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sunset/classifier"
	"github.com/yairfalse/sunset/types"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	dbARN    = "arn:aws:rds:eu-west-1:123456789012:db:orders"
	tableARN = "arn:aws:dynamodb:eu-west-1:123456789012:table/sessions"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func instance(id string, state ec2types.InstanceStateName, reason string, tags ...ec2types.Tag) ec2types.Instance {
	return ec2types.Instance{
		InstanceId:            aws.String(id),
		State:                 &ec2types.InstanceState{Name: state},
		StateTransitionReason: aws.String(reason),
		LaunchTime:            aws.Time(testNow.Add(-60 * 24 * time.Hour)),
		Tags:                  tags,
	}
}

func reservation(instances ...ec2types.Instance) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: instances}}}
}

func newTestProvider(clients Clients, opts Options) *Provider {
	opts.Region = "eu-west-1"
	p := NewWithClients(clients, opts)
	p.now = func() time.Time { return testNow }
	return p
}

func TestListResources(t *testing.T) {
	detachedAt := testNow.Add(-20 * 24 * time.Hour)

	clients := Clients{
		EC2: &mockEC2{
			DescribeInstancesFunc: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
				return reservation(
					instance("i-running", ec2types.InstanceStateNameRunning, "",
						ec2types.Tag{Key: aws.String("Name"), Value: aws.String("web")},
						ec2types.Tag{Key: aws.String("owner"), Value: aws.String("team-web")}),
					instance("i-stopped", ec2types.InstanceStateNameStopped, "User initiated (2024-02-01 08:30:00 GMT)"),
				), nil
			},
			DescribeVolumesFunc: func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
				return &ec2.DescribeVolumesOutput{Volumes: []ec2types.Volume{
					{VolumeId: aws.String("vol-free"), State: ec2types.VolumeStateAvailable, CreateTime: aws.Time(testNow.Add(-90 * 24 * time.Hour))},
					{VolumeId: aws.String("vol-used"), State: ec2types.VolumeStateInUse, Attachments: []ec2types.VolumeAttachment{{InstanceId: aws.String("i-running")}}},
				}}, nil
			},
		},
		RDS: &mockRDS{
			DescribeDBInstancesFunc: func(*rds.DescribeDBInstancesInput) (*rds.DescribeDBInstancesOutput, error) {
				return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{
					{
						DBInstanceIdentifier: aws.String("orders"),
						DBInstanceArn:        aws.String(dbARN),
						DBInstanceStatus:     aws.String("available"),
						InstanceCreateTime:   aws.Time(testNow.Add(-365 * 24 * time.Hour)),
						TagList:              []rdstypes.Tag{{Key: aws.String("environment"), Value: aws.String("dev")}},
					},
					{
						DBInstanceIdentifier: aws.String("going"),
						DBInstanceArn:        aws.String("arn:aws:rds:eu-west-1:123456789012:db:going"),
						DBInstanceStatus:     aws.String("deleting"),
					},
				}}, nil
			},
		},
		DynamoDB: &mockDynamoDB{
			ListTablesFunc: func(*dynamodb.ListTablesInput) (*dynamodb.ListTablesOutput, error) {
				return &dynamodb.ListTablesOutput{TableNames: []string{"sessions"}}, nil
			},
			DescribeTableFunc: func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
				return &dynamodb.DescribeTableOutput{Table: &dynamotypes.TableDescription{
					TableName:          aws.String("sessions"),
					TableArn:           aws.String(tableARN),
					TableStatus:        dynamotypes.TableStatusActive,
					CreationDateTime:   aws.Time(testNow.Add(-100 * 24 * time.Hour)),
					BillingModeSummary: &dynamotypes.BillingModeSummary{BillingMode: dynamotypes.BillingModePayPerRequest},
				}}, nil
			},
			ListTagsOfResourceFunc: func(*dynamodb.ListTagsOfResourceInput) (*dynamodb.ListTagsOfResourceOutput, error) {
				return &dynamodb.ListTagsOfResourceOutput{Tags: []dynamotypes.Tag{{Key: aws.String("owner"), Value: aws.String("team-auth")}}}, nil
			},
		},
		CloudTrail: &mockCloudTrail{
			LookupEventsFunc: func(in *cloudtrail.LookupEventsInput) (*cloudtrail.LookupEventsOutput, error) {
				if aws.ToString(in.LookupAttributes[0].AttributeValue) != "vol-free" {
					return &cloudtrail.LookupEventsOutput{}, nil
				}
				return &cloudtrail.LookupEventsOutput{Events: []cttypes.Event{
					{EventName: aws.String("CreateTags"), EventTime: aws.Time(testNow.Add(-time.Hour))},
					{EventName: aws.String("DetachVolume"), EventTime: aws.Time(detachedAt)},
				}}, nil
			},
		},
		CloudWatch: &mockCloudWatch{
			GetMetricStatisticsFunc: func(in *cloudwatch.GetMetricStatisticsInput) (*cloudwatch.GetMetricStatisticsOutput, error) {
				if aws.ToString(in.Namespace) == "AWS/RDS" {
					return &cloudwatch.GetMetricStatisticsOutput{Datapoints: []cwtypes.Datapoint{
						{Maximum: aws.Float64(1.5)}, {Maximum: aws.Float64(3.2)},
					}}, nil
				}
				return &cloudwatch.GetMetricStatisticsOutput{Datapoints: []cwtypes.Datapoint{{Sum: aws.Float64(0)}}}, nil
			},
		},
	}

	p := newTestProvider(clients, Options{})
	all, err := p.ListResources(context.Background(), types.ResourceFilter{})
	require.NoError(t, err)

	byID := types.BuildResourceMap(all)
	require.Len(t, byID, 6, "deleting database is excluded")

	running := byID["i-running"]
	assert.Equal(t, types.KindVM, running.Kind)
	assert.Equal(t, "web", running.Name)
	assert.Equal(t, "team-web", running.Owner())
	assert.True(t, running.Observed.IdleSince.IsZero())

	stopped := byID["i-stopped"]
	assert.Equal(t, time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC), stopped.Observed.IdleSince)

	free := byID["vol-free"]
	assert.False(t, free.Observed.Attached)
	assert.Equal(t, detachedAt, free.Observed.IdleSince)
	assert.True(t, byID["vol-used"].Observed.Attached)

	db := byID[dbARN]
	assert.Equal(t, "orders", db.Name)
	require.NotNil(t, db.Observed.Utilization)
	assert.InDelta(t, 3.2, *db.Observed.Utilization, 0.001)
	assert.Equal(t, DefaultLookback, db.Observed.UtilizationWindow)

	table := byID[tableARN]
	require.NotNil(t, table.Observed.Utilization)
	assert.Equal(t, 0.0, *table.Observed.Utilization)
	assert.Equal(t, "team-auth", table.Owner())

	vms, err := p.ListResources(context.Background(), types.ResourceFilter{Kinds: []types.Kind{types.KindVM}})
	require.NoError(t, err)
	assert.Len(t, vms, 2)
}

func TestListResources_InventoryErrorIsClassified(t *testing.T) {
	p := newTestProvider(Clients{EC2: &mockEC2{
		DescribeInstancesFunc: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return nil, apiError("RequestLimitExceeded")
		},
	}}, Options{})

	_, err := p.ListResources(context.Background(), types.ResourceFilter{Kinds: []types.Kind{types.KindVM}})
	require.Error(t, err)
	assert.Equal(t, types.ErrorClassRateLimited, types.ClassOf(err))
}

func TestStoppedSince(t *testing.T) {
	assert.Equal(t, time.Date(2023, 12, 24, 23, 59, 1, 0, time.UTC),
		stoppedSince("User initiated (2023-12-24 23:59:01 GMT)"))
	assert.True(t, stoppedSince("").IsZero())
	assert.True(t, stoppedSince("Server.ScheduledStop: Stopped due to scheduled retirement").IsZero())
}

func TestStoppedInstanceFallsBackToCloudTrail(t *testing.T) {
	stoppedAt := testNow.Add(-30 * 24 * time.Hour)
	p := newTestProvider(Clients{
		EC2: &mockEC2{},
		CloudTrail: &mockCloudTrail{LookupEventsFunc: func(*cloudtrail.LookupEventsInput) (*cloudtrail.LookupEventsOutput, error) {
			return &cloudtrail.LookupEventsOutput{Events: []cttypes.Event{
				{EventName: aws.String("StopInstances"), EventTime: aws.Time(stoppedAt)},
			}}, nil
		}},
	}, Options{})

	res := p.convertInstance(context.Background(), instance("i-1", ec2types.InstanceStateNameStopped, ""))
	assert.Equal(t, stoppedAt, res.Observed.IdleSince)
}

func TestDelete_RunningInstanceStopsFirst(t *testing.T) {
	state := ec2types.InstanceStateNameRunning
	m := &mockEC2{}
	m.DescribeInstancesFunc = func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return reservation(instance("i-1", state, "")), nil
	}
	m.StopInstancesFunc = func(*ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error) {
		state = ec2types.InstanceStateNameStopped
		return &ec2.StopInstancesOutput{}, nil
	}

	p := newTestProvider(Clients{EC2: m}, Options{StopTimeout: time.Minute})
	require.NoError(t, p.Delete(context.Background(), types.Resource{ID: "i-1"}))
	assert.Equal(t, []string{"DescribeInstances", "StopInstances", "DescribeInstances", "TerminateInstances"}, m.called())
}

func TestDelete_StoppedInstanceTerminatesDirectly(t *testing.T) {
	m := &mockEC2{DescribeInstancesFunc: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return reservation(instance("i-1", ec2types.InstanceStateNameStopped, "")), nil
	}}
	p := newTestProvider(Clients{EC2: m}, Options{})

	require.NoError(t, p.Delete(context.Background(), types.Resource{ID: "i-1"}))
	assert.Equal(t, []string{"DescribeInstances", "TerminateInstances"}, m.called())
}

func TestDelete_InstanceAlreadyGone(t *testing.T) {
	m := &mockEC2{DescribeInstancesFunc: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return nil, apiError("InvalidInstanceID.NotFound")
	}}
	p := newTestProvider(Clients{EC2: m}, Options{})

	err := p.Delete(context.Background(), types.Resource{ID: "i-1"})
	assert.Equal(t, types.ErrorClassNotFound, types.ClassOf(err))

	exists, err := p.Exists(context.Background(), types.Resource{ID: "i-1"})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelete_TerminationProtected(t *testing.T) {
	m := &mockEC2{
		DescribeInstancesFunc: func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return reservation(instance("i-1", ec2types.InstanceStateNameStopped, "")), nil
		},
		TerminateInstancesFunc: func(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
			return nil, apiError("OperationNotPermitted")
		},
	}
	p := newTestProvider(Clients{EC2: m}, Options{})

	err := p.Delete(context.Background(), types.Resource{ID: "i-1"})
	assert.Equal(t, types.ErrorClassPermission, types.ClassOf(err))
	var ce *types.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "OperationNotPermitted", ce.Code)
	assert.Equal(t, "i-1", ce.ResourceID)
}

func TestDelete_Volume(t *testing.T) {
	var deleted string
	m := &mockEC2{
		DeleteVolumeFunc: func(in *ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error) {
			deleted = aws.ToString(in.VolumeId)
			return &ec2.DeleteVolumeOutput{}, nil
		},
		DescribeVolumesFunc: func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
			return &ec2.DescribeVolumesOutput{Volumes: []ec2types.Volume{{VolumeId: aws.String("vol-1"), State: ec2types.VolumeStateDeleting}}}, nil
		},
	}
	p := newTestProvider(Clients{EC2: m}, Options{})

	require.NoError(t, p.Delete(context.Background(), types.Resource{ID: "vol-1"}))
	assert.Equal(t, "vol-1", deleted)

	exists, err := p.Exists(context.Background(), types.Resource{ID: "vol-1"})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelete_DBInstanceSnapshot(t *testing.T) {
	var got *rds.DeleteDBInstanceInput
	m := &mockRDS{DeleteDBInstanceFunc: func(in *rds.DeleteDBInstanceInput) (*rds.DeleteDBInstanceOutput, error) {
		got = in
		return &rds.DeleteDBInstanceOutput{}, nil
	}}

	p := newTestProvider(Clients{RDS: m}, Options{})
	require.NoError(t, p.Delete(context.Background(), types.Resource{ID: dbARN}))
	assert.Equal(t, "orders", aws.ToString(got.DBInstanceIdentifier))
	assert.False(t, aws.ToBool(got.SkipFinalSnapshot))
	assert.Equal(t, "sunset-final-orders-20240301120000", aws.ToString(got.FinalDBSnapshotIdentifier))

	p = newTestProvider(Clients{RDS: m}, Options{SkipFinalSnapshot: true})
	require.NoError(t, p.Delete(context.Background(), types.Resource{ID: dbARN}))
	assert.True(t, aws.ToBool(got.SkipFinalSnapshot))
	assert.Nil(t, got.FinalDBSnapshotIdentifier)
}

func TestDelete_DBInstanceConflict(t *testing.T) {
	m := &mockRDS{DeleteDBInstanceFunc: func(*rds.DeleteDBInstanceInput) (*rds.DeleteDBInstanceOutput, error) {
		return nil, apiError("InvalidDBInstanceState")
	}}
	p := newTestProvider(Clients{RDS: m}, Options{})

	err := p.Delete(context.Background(), types.Resource{ID: dbARN})
	assert.Equal(t, types.ErrorClassConflict, types.ClassOf(err))
}

func TestDelete_Table(t *testing.T) {
	var deleted string
	m := &mockDynamoDB{
		DeleteTableFunc: func(in *dynamodb.DeleteTableInput) (*dynamodb.DeleteTableOutput, error) {
			deleted = aws.ToString(in.TableName)
			return &dynamodb.DeleteTableOutput{}, nil
		},
		DescribeTableFunc: func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			return nil, apiError("ResourceNotFoundException")
		},
	}
	p := newTestProvider(Clients{DynamoDB: m}, Options{})

	require.NoError(t, p.Delete(context.Background(), types.Resource{ID: tableARN}))
	assert.Equal(t, "sessions", deleted)

	exists, err := p.Exists(context.Background(), types.Resource{ID: tableARN})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelete_UnknownID(t *testing.T) {
	p := newTestProvider(Clients{}, Options{})
	err := p.Delete(context.Background(), types.Resource{ID: "bucket-1"})
	assert.Equal(t, types.ErrorClassUnknown, types.ClassOf(err))
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		id      string
		service service
		name    string
		wantErr bool
	}{
		{"i-0abc", serviceInstance, "i-0abc", false},
		{"vol-0abc", serviceVolume, "vol-0abc", false},
		{dbARN, serviceRDS, "orders", false},
		{tableARN, serviceDynamoDB, "sessions", false},
		{"arn:aws:s3:::bucket", 0, "", true},
		{"orders", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			ref, err := parseRef(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.service, ref.service)
			assert.Equal(t, tt.name, ref.name)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		class types.ErrorClass
	}{
		{apiError("Throttling"), types.ErrorClassRateLimited},
		{apiError("RequestLimitExceeded"), types.ErrorClassRateLimited},
		{apiError("InternalError"), types.ErrorClassTransient},
		{apiError("InvalidVolume.NotFound"), types.ErrorClassNotFound},
		{apiError("DBInstanceNotFound"), types.ErrorClassNotFound},
		{apiError("VolumeInUse"), types.ErrorClassConflict},
		{apiError("ResourceInUseException"), types.ErrorClassConflict},
		{apiError("UnauthorizedOperation"), types.ErrorClassPermission},
		{apiError("AccessDeniedException"), types.ErrorClassPermission},
		{apiError("SomethingElse"), types.ErrorClassUnknown},
		{context.DeadlineExceeded, types.ErrorClassTransient},
		{errors.New("plain"), types.ErrorClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.class, types.ClassOf(classify("op", "r-1", tt.err)))
		})
	}

	already := types.Conflict("x", errors.New("y"))
	assert.Same(t, error(already), classify("op", "r-1", already))
	assert.NoError(t, classify("op", "r-1", nil))
}

func TestDefaultLookbackCoversDatabaseRule(t *testing.T) {
	assert.Equal(t, classifier.DefaultRules().MinUtilizationWindow(), DefaultLookback)
}

func TestMetricWindow(t *testing.T) {
	p := newTestProvider(Clients{}, Options{UtilizationLookback: 14 * 24 * time.Hour})
	assert.Equal(t, 14*24*time.Hour, p.metricWindow(time.Time{}))
	assert.Equal(t, 3*24*time.Hour, p.metricWindow(testNow.Add(-3*24*time.Hour)))
	assert.Equal(t, time.Hour, p.metricWindow(testNow.Add(-time.Minute)))
	assert.Equal(t, 24*time.Hour, metricPeriod(60*24*time.Hour))
}
