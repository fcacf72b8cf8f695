package aws

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/sunset/types"
)

// stopReason matches the timestamp EC2 appends to user initiated stops,
// e.g. "User initiated (2024-01-15 10:23:45 GMT)"
var stopReason = regexp.MustCompile(`\((\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) GMT\)`)

var liveInstanceStates = []string{"pending", "running", "stopping", "stopped"}

var liveVolumeStates = []string{"creating", "available", "in-use", "error"}

func (p *Provider) listInstances(ctx context.Context) ([]types.Resource, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{Name: aws.String("instance-state-name"), Values: liveInstanceStates}},
	}

	var resources []types.Resource
	paginator := ec2.NewDescribeInstancesPaginator(p.clients.EC2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("describe_instances", "", err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				resources = append(resources, p.convertInstance(ctx, instance))
			}
		}
	}
	return resources, nil
}

func (p *Provider) convertInstance(ctx context.Context, instance ec2types.Instance) types.Resource {
	id := aws.ToString(instance.InstanceId)
	tags := ec2Tags(instance.Tags)
	state := instanceState(instance)

	res := types.Resource{
		ID:        id,
		Kind:      types.KindVM,
		Provider:  "aws",
		Region:    p.region,
		Name:      nameTag(tags, id),
		Tags:      tags,
		CreatedAt: toTime(instance.LaunchTime),
		Observed:  types.ObservedState{Status: string(state)},
	}

	if state == ec2types.InstanceStateNameStopped {
		res.Observed.IdleSince = stoppedSince(aws.ToString(instance.StateTransitionReason))
		if res.Observed.IdleSince.IsZero() {
			res.Observed.IdleSince = p.lastEvent(ctx, id, "StopInstances")
		}
	}
	return res
}

// stoppedSince parses the stop time out of a state transition reason
func stoppedSince(reason string) time.Time {
	m := stopReason.FindStringSubmatch(reason)
	if m == nil {
		return time.Time{}
	}
	t, err := time.ParseInLocation(time.DateTime, m[1], time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (p *Provider) listVolumes(ctx context.Context) ([]types.Resource, error) {
	input := &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{{Name: aws.String("status"), Values: liveVolumeStates}},
	}

	var resources []types.Resource
	paginator := ec2.NewDescribeVolumesPaginator(p.clients.EC2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("describe_volumes", "", err)
		}
		for _, volume := range page.Volumes {
			resources = append(resources, p.convertVolume(ctx, volume))
		}
	}
	return resources, nil
}

func (p *Provider) convertVolume(ctx context.Context, volume ec2types.Volume) types.Resource {
	id := aws.ToString(volume.VolumeId)
	tags := ec2Tags(volume.Tags)
	attached := len(volume.Attachments) > 0

	res := types.Resource{
		ID:        id,
		Kind:      types.KindDisk,
		Provider:  "aws",
		Region:    p.region,
		Name:      nameTag(tags, id),
		Tags:      tags,
		CreatedAt: toTime(volume.CreateTime),
		Observed: types.ObservedState{
			Status:   string(volume.State),
			Attached: attached,
		},
	}

	if !attached {
		res.Observed.IdleSince = p.lastEvent(ctx, id, "DetachVolume")
		if res.Observed.IdleSince.IsZero() {
			res.Observed.IdleSince = res.CreatedAt
		}
	}
	return res
}

// terminateInstance stops a running instance, waits for it to stop, then
// terminates it
func (p *Provider) terminateInstance(ctx context.Context, id string) error {
	out, err := p.clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return classify("describe_instance", id, err)
	}
	instance, ok := firstInstance(out)
	if !ok {
		return types.NotFound("terminate", fmt.Errorf("instance %s not found", id)).WithResource(id)
	}

	switch instanceState(instance) {
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		return types.NotFound("terminate", fmt.Errorf("instance %s already terminating", id)).WithResource(id)
	case ec2types.InstanceStateNameStopped:
	default:
		if _, err := p.clients.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}); err != nil {
			return classify("stop", id, err)
		}
		waiter := ec2.NewInstanceStoppedWaiter(p.clients.EC2, func(o *ec2.InstanceStoppedWaiterOptions) {
			o.MinDelay = 5 * time.Second
		})
		if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, p.stopTimeout); err != nil {
			return types.Transient("wait_stopped", err).WithResource(id)
		}
	}

	if _, err := p.clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
		return classify("terminate", id, err)
	}
	p.logger.WithContext(ctx).Info().Str("resource_id", id).Msg("instance terminated")
	return nil
}

func (p *Provider) instanceExists(ctx context.Context, id string) (bool, error) {
	out, err := p.clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("describe_instance", id, err)
	}
	instance, ok := firstInstance(out)
	if !ok {
		return false, nil
	}
	switch instanceState(instance) {
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		return false, nil
	}
	return true, nil
}

func (p *Provider) deleteVolume(ctx context.Context, id string) error {
	if _, err := p.clients.EC2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)}); err != nil {
		return classify("delete_volume", id, err)
	}
	p.logger.WithContext(ctx).Info().Str("resource_id", id).Msg("volume deleted")
	return nil
}

func (p *Provider) volumeExists(ctx context.Context, id string) (bool, error) {
	out, err := p.clients.EC2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("describe_volume", id, err)
	}
	for _, v := range out.Volumes {
		if v.State != ec2types.VolumeStateDeleting && v.State != ec2types.VolumeStateDeleted {
			return true, nil
		}
	}
	return false, nil
}

func firstInstance(out *ec2.DescribeInstancesOutput) (ec2types.Instance, bool) {
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			return i, true
		}
	}
	return ec2types.Instance{}, false
}

func instanceState(instance ec2types.Instance) ec2types.InstanceStateName {
	if instance.State == nil {
		return ""
	}
	return instance.State.Name
}

func ec2Tags(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}
