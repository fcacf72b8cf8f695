package aws

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
)

type mockEC2 struct {
	mu                     sync.Mutex
	calls                  []string
	DescribeInstancesFunc  func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumesFunc    func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error)
	StopInstancesFunc      func(*ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error)
	TerminateInstancesFunc func(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
	DeleteVolumeFunc       func(*ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error)
}

func (m *mockEC2) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockEC2) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.record("DescribeInstances")
	if m.DescribeInstancesFunc != nil {
		return m.DescribeInstancesFunc(in)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	m.record("DescribeVolumes")
	if m.DescribeVolumesFunc != nil {
		return m.DescribeVolumesFunc(in)
	}
	return &ec2.DescribeVolumesOutput{}, nil
}

func (m *mockEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	m.record("StopInstances")
	if m.StopInstancesFunc != nil {
		return m.StopInstancesFunc(in)
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (m *mockEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.record("TerminateInstances")
	if m.TerminateInstancesFunc != nil {
		return m.TerminateInstancesFunc(in)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	m.record("DeleteVolume")
	if m.DeleteVolumeFunc != nil {
		return m.DeleteVolumeFunc(in)
	}
	return &ec2.DeleteVolumeOutput{}, nil
}

type mockRDS struct {
	DescribeDBInstancesFunc func(*rds.DescribeDBInstancesInput) (*rds.DescribeDBInstancesOutput, error)
	DeleteDBInstanceFunc    func(*rds.DeleteDBInstanceInput) (*rds.DeleteDBInstanceOutput, error)
}

func (m *mockRDS) DescribeDBInstances(_ context.Context, in *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	if m.DescribeDBInstancesFunc != nil {
		return m.DescribeDBInstancesFunc(in)
	}
	return &rds.DescribeDBInstancesOutput{}, nil
}

func (m *mockRDS) DeleteDBInstance(_ context.Context, in *rds.DeleteDBInstanceInput, _ ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error) {
	if m.DeleteDBInstanceFunc != nil {
		return m.DeleteDBInstanceFunc(in)
	}
	return &rds.DeleteDBInstanceOutput{}, nil
}

type mockDynamoDB struct {
	ListTablesFunc         func(*dynamodb.ListTablesInput) (*dynamodb.ListTablesOutput, error)
	DescribeTableFunc      func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
	ListTagsOfResourceFunc func(*dynamodb.ListTagsOfResourceInput) (*dynamodb.ListTagsOfResourceOutput, error)
	DeleteTableFunc        func(*dynamodb.DeleteTableInput) (*dynamodb.DeleteTableOutput, error)
}

func (m *mockDynamoDB) ListTables(_ context.Context, in *dynamodb.ListTablesInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	if m.ListTablesFunc != nil {
		return m.ListTablesFunc(in)
	}
	return &dynamodb.ListTablesOutput{}, nil
}

func (m *mockDynamoDB) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.DescribeTableFunc != nil {
		return m.DescribeTableFunc(in)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDynamoDB) ListTagsOfResource(_ context.Context, in *dynamodb.ListTagsOfResourceInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTagsOfResourceOutput, error) {
	if m.ListTagsOfResourceFunc != nil {
		return m.ListTagsOfResourceFunc(in)
	}
	return &dynamodb.ListTagsOfResourceOutput{}, nil
}

func (m *mockDynamoDB) DeleteTable(_ context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	if m.DeleteTableFunc != nil {
		return m.DeleteTableFunc(in)
	}
	return &dynamodb.DeleteTableOutput{}, nil
}

type mockCloudTrail struct {
	LookupEventsFunc func(*cloudtrail.LookupEventsInput) (*cloudtrail.LookupEventsOutput, error)
}

func (m *mockCloudTrail) LookupEvents(_ context.Context, in *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	if m.LookupEventsFunc != nil {
		return m.LookupEventsFunc(in)
	}
	return &cloudtrail.LookupEventsOutput{}, nil
}

type mockCloudWatch struct {
	GetMetricStatisticsFunc func(*cloudwatch.GetMetricStatisticsInput) (*cloudwatch.GetMetricStatisticsOutput, error)
}

func (m *mockCloudWatch) GetMetricStatistics(_ context.Context, in *cloudwatch.GetMetricStatisticsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	if m.GetMetricStatisticsFunc != nil {
		return m.GetMetricStatisticsFunc(in)
	}
	return &cloudwatch.GetMetricStatisticsOutput{}, nil
}
