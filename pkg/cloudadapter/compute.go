package cloudadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// VMState mirrors the EC2 instance states the orchestrators reason about.
type VMState string

const (
	VMRunning  VMState = "running"
	VMStopped  VMState = "stopped"
	VMPending  VMState = "pending"
	VMStopping VMState = "stopping"
)

const (
	startVMDeadline = 300 * time.Second
	startVMPoll     = 5 * time.Second
)

// ComputeAPI is the uniform VM control surface the orchestrators consume.
// The concrete implementation wraps github.com/aws/aws-sdk-go-v2/service/ec2;
// tests substitute a fake satisfying this interface.
type ComputeAPI interface {
	// FindVMByPrivateIP resolves a VM by its private IP, consulting the
	// 30s memoization cache first.
	FindVMByPrivateIP(ctx context.Context, ip string) (id string, state VMState, err error)
	// StartVM issues a start command and polls until the VM reaches
	// running or stopped, or the 300s deadline elapses.
	StartVM(ctx context.Context, id string) (VMState, error)
	// StopVM issues a stop command without waiting for completion.
	StopVM(ctx context.Context, id string) error
	// DescribeVM returns the current state of a single VM by ID.
	DescribeVM(ctx context.Context, id string) (VMState, error)
}

// ec2Client is the subset of *ec2.Client the compute sub-client calls,
// narrowed to single-method interfaces for testability.
type ec2Client interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// computeAdapter implements ComputeAPI against EC2.
type computeAdapter struct {
	client ec2Client
	cache  *VMCache
}

// NewComputeAdapter creates a ComputeAPI backed by an EC2 client and the
// shared VM-lookup cache.
func NewComputeAdapter(client *ec2.Client, cache *VMCache) ComputeAPI {
	return &computeAdapter{client: client, cache: cache}
}

func (a *computeAdapter) FindVMByPrivateIP(ctx context.Context, ip string) (string, VMState, error) {
	if rec, fresh, found := a.cache.Get(ctx, ip); found && fresh {
		return rec.ID, VMState(rec.State), nil
	}

	var id string
	var state VMState
	err := retryOnce(ctx, "find_vm_by_private_ip", func() error {
		out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("private-ip-address"), Values: []string{ip}},
				{Name: aws.String("instance-state-name"), Values: []string{"running", "stopped", "pending", "stopping"}},
			},
		})
		if err != nil {
			return classifyEC2Error("find_vm_by_private_ip", err)
		}

		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				id = aws.ToString(inst.InstanceId)
				state = VMState(inst.State.Name)
				return nil
			}
		}
		return NewError("find_vm_by_private_ip", KindNotFound, fmt.Errorf("no vm with private ip %s", ip))
	})

	if err != nil {
		if IsTransient(err) {
			if rec, _, found := a.cache.Get(ctx, ip); found {
				return rec.ID, VMState(rec.State), nil
			}
		}
		return "", "", err
	}

	if cerr := a.cache.Set(ctx, ip, VMRecord{ID: id, State: string(state)}); cerr != nil {
		// Cache is a best-effort memoization layer; a write failure must
		// not fail the lookup itself.
		_ = cerr
	}
	return id, state, nil
}

func (a *computeAdapter) StartVM(ctx context.Context, id string) (VMState, error) {
	err := retryOnce(ctx, "start_vm", func() error {
		_, err := a.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			return classifyEC2Error("start_vm", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(startVMDeadline)
	for {
		state, err := a.DescribeVM(ctx, id)
		if err != nil {
			return "", err
		}
		if state == VMRunning || state == VMStopped {
			return state, nil
		}
		if time.Now().After(deadline) {
			return state, NewError("start_vm", KindTransient, fmt.Errorf("vm %s did not reach a terminal state within %s", id, startVMDeadline))
		}

		select {
		case <-time.After(startVMPoll):
		case <-ctx.Done():
			return "", NewError("start_vm", KindTransient, ctx.Err())
		}
	}
}

func (a *computeAdapter) StopVM(ctx context.Context, id string) error {
	return retryOnce(ctx, "stop_vm", func() error {
		_, err := a.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			return classifyEC2Error("stop_vm", err)
		}
		return nil
	})
}

func (a *computeAdapter) DescribeVM(ctx context.Context, id string) (VMState, error) {
	var state VMState
	err := retryOnce(ctx, "describe_vm", func() error {
		out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			return classifyEC2Error("describe_vm", err)
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				state = VMState(inst.State.Name)
				return nil
			}
		}
		return NewError("describe_vm", KindNotFound, fmt.Errorf("vm %s not found", id))
	})
	return state, err
}

// classifyEC2Error buckets an AWS SDK error into the adapter's error Kinds.
func classifyEC2Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound":
			return NewError(op, KindNotFound, err)
		case "UnauthorizedOperation", "AuthFailure":
			return NewError(op, KindUnauthorized, err)
		case "RequestLimitExceeded", "Throttling", "InsufficientInstanceCapacity":
			return NewError(op, KindTransient, err)
		}
	}
	return NewError(op, KindTransient, err)
}
