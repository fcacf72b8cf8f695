package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/sunset/types"
)

func (p *Provider) listDBInstances(ctx context.Context) ([]types.Resource, error) {
	var resources []types.Resource
	paginator := rds.NewDescribeDBInstancesPaginator(p.clients.RDS, &rds.DescribeDBInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("describe_db_instances", "", err)
		}
		for _, instance := range page.DBInstances {
			if aws.ToString(instance.DBInstanceStatus) == "deleting" {
				continue
			}
			resources = append(resources, p.convertDBInstance(ctx, instance))
		}
	}
	return resources, nil
}

func (p *Provider) convertDBInstance(ctx context.Context, instance rdstypes.DBInstance) types.Resource {
	identifier := aws.ToString(instance.DBInstanceIdentifier)
	tags := make(map[string]string, len(instance.TagList))
	for _, t := range instance.TagList {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	res := types.Resource{
		ID:        aws.ToString(instance.DBInstanceArn),
		Kind:      types.KindDatabase,
		Provider:  "aws",
		Region:    p.region,
		Name:      identifier,
		Tags:      tags,
		CreatedAt: toTime(instance.InstanceCreateTime),
		Observed:  types.ObservedState{Status: aws.ToString(instance.DBInstanceStatus)},
	}

	window := p.metricWindow(res.CreatedAt)
	peak, ok := p.peakMetric(ctx, res.ID, metricQuery{
		namespace: "AWS/RDS",
		metric:    "CPUUtilization",
		dimension: "DBInstanceIdentifier",
		value:     identifier,
		stat:      statMaximum,
	}, window)
	if ok {
		res.Observed.Utilization = types.Float64(peak)
		res.Observed.UtilizationWindow = window
	}
	return res
}

// deleteDBInstance deletes the instance, keeping a final snapshot unless
// configured otherwise
func (p *Provider) deleteDBInstance(ctx context.Context, id, identifier string) error {
	input := &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier: aws.String(identifier),
		SkipFinalSnapshot:    aws.Bool(p.skipFinalSnapshot),
	}
	if !p.skipFinalSnapshot {
		input.FinalDBSnapshotIdentifier = aws.String(finalSnapshotID(identifier, p.now()))
	}

	if _, err := p.clients.RDS.DeleteDBInstance(ctx, input); err != nil {
		return classify("delete_db_instance", id, err)
	}
	p.logger.WithContext(ctx).Info().
		Str("resource_id", id).
		Bool("final_snapshot", !p.skipFinalSnapshot).
		Msg("database instance deleted")
	return nil
}

func (p *Provider) dbInstanceExists(ctx context.Context, identifier string) (bool, error) {
	out, err := p.clients.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(identifier),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("describe_db_instance", identifier, err)
	}
	for _, instance := range out.DBInstances {
		if aws.ToString(instance.DBInstanceStatus) != "deleting" {
			return true, nil
		}
	}
	return false, nil
}

// finalSnapshotID names the snapshot taken before deletion
func finalSnapshotID(identifier string, now time.Time) string {
	return fmt.Sprintf("sunset-final-%s-%s", identifier, now.UTC().Format("20060102150405"))
}
