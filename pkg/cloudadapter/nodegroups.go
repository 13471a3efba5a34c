package cloudadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/smithy-go"
)

const (
	waitNodegroupDeadline = 600 * time.Second
	waitNodegroupPoll     = 15 * time.Second
)

// ScalingConfig is the desired/min/max capacity triple for a nodegroup.
type ScalingConfig struct {
	Desired int
	Min     int
	Max     int
}

// Clamp enforces min ≤ desired ≤ max.
func (c ScalingConfig) Clamp() ScalingConfig {
	if c.Desired < c.Min {
		c.Desired = c.Min
	}
	if c.Desired > c.Max {
		c.Desired = c.Max
	}
	return c
}

// NodegroupStatus is the result of describing a managed nodegroup.
type NodegroupStatus struct {
	Status  string
	Scaling ScalingConfig
	// Health lists any reported auto-scaling-group health issues.
	Health []string
}

// degradedStatuses are surfaced as Kind=Fatal by WaitNodegroupActive.
var degradedStatuses = map[string]bool{
	"DEGRADED":      true,
	"UPDATE_FAILED": true,
	"CREATE_FAILED": true,
}

// NodegroupAPI is the uniform managed-k8s capacity control surface.
type NodegroupAPI interface {
	DescribeNodegroup(ctx context.Context, cluster, name string) (NodegroupStatus, error)
	UpdateNodegroupScaling(ctx context.Context, cluster, name string, target ScalingConfig) error
	// WaitNodegroupActive polls until status=ACTIVE and desired ≥
	// targetDesired, or returns Transient on timeout and Fatal on a
	// degraded status.
	WaitNodegroupActive(ctx context.Context, cluster, name string, targetDesired int) (NodegroupStatus, error)
}

type eksClient interface {
	DescribeNodegroup(ctx context.Context, in *eks.DescribeNodegroupInput, opts ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error)
	UpdateNodegroupConfig(ctx context.Context, in *eks.UpdateNodegroupConfigInput, opts ...func(*eks.Options)) (*eks.UpdateNodegroupConfigOutput, error)
}

type nodegroupAdapter struct {
	client eksClient
}

// NewNodegroupAdapter creates a NodegroupAPI backed by an EKS client.
func NewNodegroupAdapter(client *eks.Client) NodegroupAPI {
	return &nodegroupAdapter{client: client}
}

func (a *nodegroupAdapter) DescribeNodegroup(ctx context.Context, cluster, name string) (NodegroupStatus, error) {
	var status NodegroupStatus
	err := retryOnce(ctx, "describe_nodegroup", func() error {
		out, err := a.client.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
			ClusterName:   aws.String(cluster),
			NodegroupName: aws.String(name),
		})
		if err != nil {
			return classifyEKSError("describe_nodegroup", err)
		}
		status = toNodegroupStatus(out.Nodegroup)
		return nil
	})
	return status, err
}

func (a *nodegroupAdapter) UpdateNodegroupScaling(ctx context.Context, cluster, name string, target ScalingConfig) error {
	target = target.Clamp()
	return retryOnce(ctx, "update_nodegroup_scaling", func() error {
		_, err := a.client.UpdateNodegroupConfig(ctx, &eks.UpdateNodegroupConfigInput{
			ClusterName:   aws.String(cluster),
			NodegroupName: aws.String(name),
			ScalingConfig: &ekstypes.NodegroupScalingConfig{
				DesiredSize: aws.Int32(int32(target.Desired)),
				MinSize:     aws.Int32(int32(target.Min)),
				MaxSize:     aws.Int32(int32(target.Max)),
			},
		})
		if err != nil {
			return classifyEKSError("update_nodegroup_scaling", err)
		}
		return nil
	})
}

func (a *nodegroupAdapter) WaitNodegroupActive(ctx context.Context, cluster, name string, targetDesired int) (NodegroupStatus, error) {
	deadline := time.Now().Add(waitNodegroupDeadline)

	for {
		status, err := a.DescribeNodegroup(ctx, cluster, name)
		if err != nil {
			return status, err
		}

		if degradedStatuses[status.Status] {
			return status, NewError("wait_nodegroup_active", KindFatal,
				fmt.Errorf("nodegroup %s/%s degraded: status=%s issues=%v", cluster, name, status.Status, status.Health))
		}

		if status.Status == "ACTIVE" && status.Scaling.Desired >= targetDesired && len(status.Health) == 0 {
			return status, nil
		}

		if time.Now().After(deadline) {
			return status, NewError("wait_nodegroup_active", KindTransient,
				fmt.Errorf("nodegroup %s/%s not active within %s (status=%s)", cluster, name, waitNodegroupDeadline, status.Status))
		}

		select {
		case <-time.After(waitNodegroupPoll):
		case <-ctx.Done():
			return status, NewError("wait_nodegroup_active", KindTransient, ctx.Err())
		}
	}
}

func toNodegroupStatus(ng *ekstypes.Nodegroup) NodegroupStatus {
	if ng == nil {
		return NodegroupStatus{Status: "UNKNOWN"}
	}

	var health []string
	if ng.Health != nil {
		for _, issue := range ng.Health.Issues {
			health = append(health, string(issue.Code)+": "+aws.ToString(issue.Message))
		}
	}

	scaling := ScalingConfig{}
	if ng.ScalingConfig != nil {
		scaling = ScalingConfig{
			Desired: int(aws.ToInt32(ng.ScalingConfig.DesiredSize)),
			Min:     int(aws.ToInt32(ng.ScalingConfig.MinSize)),
			Max:     int(aws.ToInt32(ng.ScalingConfig.MaxSize)),
		}
	}

	return NodegroupStatus{
		Status:  string(ng.Status),
		Scaling: scaling,
		Health:  health,
	}
}

func classifyEKSError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			return NewError(op, KindNotFound, err)
		case "AccessDeniedException":
			return NewError(op, KindUnauthorized, err)
		case "ThrottlingException":
			return NewError(op, KindTransient, err)
		}
	}
	return NewError(op, KindTransient, err)
}
