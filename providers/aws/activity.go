package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	// CloudTrail keeps management events for 90 days
	trailRetention = 90 * 24 * time.Hour
	maxTrailPages  = 5
)

// lastEvent returns the time of the most recent eventName call against
// resourceID, or zero. Lookup failures only cost idle evidence.
func (p *Provider) lastEvent(ctx context.Context, resourceID, eventName string) time.Time {
	if p.clients.CloudTrail == nil {
		return time.Time{}
	}
	ctx, span := p.tracer.Start(ctx, "aws.cloudtrail.lookup")
	defer span.End()

	end := p.now().UTC()
	start := end.Add(-trailRetention)
	input := &cloudtrail.LookupEventsInput{
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyResourceName,
			AttributeValue: aws.String(resourceID),
		}},
		StartTime:  &start,
		EndTime:    &end,
		MaxResults: aws.Int32(50),
	}

	paginator := cloudtrail.NewLookupEventsPaginator(p.clients.CloudTrail, input)
	for page := 0; paginator.HasMorePages() && page < maxTrailPages; page++ {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			p.logger.WithContext(ctx).Warn().
				Err(classify("lookup_events", resourceID, err)).
				Str("resource_id", resourceID).
				Str("event_name", eventName).
				Msg("cloudtrail lookup failed")
			return time.Time{}
		}
		// events come newest first
		for _, e := range out.Events {
			if aws.ToString(e.EventName) == eventName {
				return toTime(e.EventTime)
			}
		}
	}
	return time.Time{}
}

type statistic int

const (
	statMaximum statistic = iota
	statSum
)

type metricQuery struct {
	namespace string
	metric    string
	dimension string
	value     string
	stat      statistic
}

// metricWindow is the lookback, shortened for resources younger than it
func (p *Provider) metricWindow(createdAt time.Time) time.Duration {
	window := p.lookback
	if !createdAt.IsZero() {
		if age := p.now().Sub(createdAt); age < window {
			window = age
		}
	}
	if window < time.Hour {
		window = time.Hour
	}
	return window.Truncate(time.Hour)
}

// metricPeriod keeps the datapoint count under the 1440 per call limit
func metricPeriod(window time.Duration) time.Duration {
	if window > 30*24*time.Hour {
		return 24 * time.Hour
	}
	return time.Hour
}

// peakMetric returns the largest datapoint over window. ok is false when
// CloudWatch has no data or the call fails.
func (p *Provider) peakMetric(ctx context.Context, resourceID string, q metricQuery, window time.Duration) (float64, bool) {
	if p.clients.CloudWatch == nil {
		return 0, false
	}
	ctx, span := p.tracer.Start(ctx, "aws.cloudwatch.statistics")
	defer span.End()

	end := p.now().UTC()
	start := end.Add(-window)
	stat := cwtypes.StatisticMaximum
	if q.stat == statSum {
		stat = cwtypes.StatisticSum
	}

	out, err := p.clients.CloudWatch.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(q.namespace),
		MetricName: aws.String(q.metric),
		Dimensions: []cwtypes.Dimension{{Name: aws.String(q.dimension), Value: aws.String(q.value)}},
		StartTime:  &start,
		EndTime:    &end,
		Period:     aws.Int32(int32(metricPeriod(window).Seconds())),
		Statistics: []cwtypes.Statistic{stat},
	})
	if err != nil {
		p.logger.WithContext(ctx).Warn().
			Err(classify("get_metric_statistics", resourceID, err)).
			Str("resource_id", resourceID).
			Str("metric", q.metric).
			Msg("cloudwatch lookup failed")
		return 0, false
	}
	if len(out.Datapoints) == 0 {
		return 0, false
	}

	peak := 0.0
	for _, dp := range out.Datapoints {
		v := aws.ToFloat64(dp.Maximum)
		if q.stat == statSum {
			v = aws.ToFloat64(dp.Sum)
		}
		peak = max(peak, v)
	}
	return peak, true
}
