package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yairfalse/sunset/types"
)

func (p *Provider) listTables(ctx context.Context) ([]types.Resource, error) {
	var resources []types.Resource
	paginator := dynamodb.NewListTablesPaginator(p.clients.DynamoDB, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list_tables", "", err)
		}
		for _, name := range page.TableNames {
			out, err := p.clients.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, classify("describe_table", name, err)
			}
			table := out.Table
			if table == nil || table.TableStatus == dynamotypes.TableStatusDeleting {
				continue
			}
			res, err := p.convertTable(ctx, *table)
			if err != nil {
				return nil, err
			}
			resources = append(resources, res)
		}
	}
	return resources, nil
}

func (p *Provider) convertTable(ctx context.Context, table dynamotypes.TableDescription) (types.Resource, error) {
	name := aws.ToString(table.TableName)
	id := aws.ToString(table.TableArn)

	tags, err := p.tableTags(ctx, id)
	if err != nil {
		return types.Resource{}, err
	}

	res := types.Resource{
		ID:        id,
		Kind:      types.KindDatabase,
		Provider:  "aws",
		Region:    p.region,
		Name:      name,
		Tags:      tags,
		CreatedAt: toTime(table.CreationDateTime),
		Observed:  types.ObservedState{Status: string(table.TableStatus)},
	}

	window := p.metricWindow(res.CreatedAt)
	if util, ok := p.tableUtilization(ctx, table, window); ok {
		res.Observed.Utilization = types.Float64(util)
		res.Observed.UtilizationWindow = window
	}
	return res, nil
}

func (p *Provider) tableTags(ctx context.Context, arn string) (map[string]string, error) {
	tags := make(map[string]string)
	input := &dynamodb.ListTagsOfResourceInput{ResourceArn: aws.String(arn)}
	for {
		out, err := p.clients.DynamoDB.ListTagsOfResource(ctx, input)
		if err != nil {
			return nil, classify("list_tags", arn, err)
		}
		for _, t := range out.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		if out.NextToken == nil {
			return tags, nil
		}
		input.NextToken = out.NextToken
	}
}

// tableUtilization is peak consumed capacity as a percentage of provisioned
// capacity. On-demand tables have nothing to compare against, so any
// consumption counts as fully busy.
func (p *Provider) tableUtilization(ctx context.Context, table dynamotypes.TableDescription, window time.Duration) (float64, bool) {
	name := aws.ToString(table.TableName)
	id := aws.ToString(table.TableArn)
	query := func(metric string) metricQuery {
		return metricQuery{
			namespace: "AWS/DynamoDB",
			metric:    metric,
			dimension: "TableName",
			value:     name,
			stat:      statSum,
		}
	}

	read, readOK := p.peakMetric(ctx, id, query("ConsumedReadCapacityUnits"), window)
	write, writeOK := p.peakMetric(ctx, id, query("ConsumedWriteCapacityUnits"), window)
	if !readOK && !writeOK {
		return 0, false
	}

	var readCap, writeCap int64
	if table.ProvisionedThroughput != nil {
		readCap = aws.ToInt64(table.ProvisionedThroughput.ReadCapacityUnits)
		writeCap = aws.ToInt64(table.ProvisionedThroughput.WriteCapacityUnits)
	}
	onDemand := table.BillingModeSummary != nil && table.BillingModeSummary.BillingMode == dynamotypes.BillingModePayPerRequest
	if onDemand || readCap == 0 || writeCap == 0 {
		if read+write > 0 {
			return 100, true
		}
		return 0, true
	}

	period := metricPeriod(window).Seconds()
	readPct := read / period / float64(readCap) * 100
	writePct := write / period / float64(writeCap) * 100
	return max(readPct, writePct), true
}

func (p *Provider) deleteTable(ctx context.Context, id, name string) error {
	if _, err := p.clients.DynamoDB.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
		return classify("delete_table", id, err)
	}
	p.logger.WithContext(ctx).Info().Str("resource_id", id).Msg("table deleted")
	return nil
}

func (p *Provider) tableExists(ctx context.Context, name string) (bool, error) {
	out, err := p.clients.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("describe_table", name, err)
	}
	return out.Table != nil && out.Table.TableStatus != dynamotypes.TableStatusDeleting, nil
}
