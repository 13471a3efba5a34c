package cloudadapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	smithy "github.com/aws/smithy-go"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestVMCache_FreshHitAndStaleFallback(t *testing.T) {
	rdb, mr := newTestRedis(t)
	cache := NewVMCache(rdb, 50*time.Millisecond)
	ctx := context.Background()

	_, _, found := cache.Get(ctx, "10.0.0.1")
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, "10.0.0.1", VMRecord{ID: "i-abc", State: "running"}))

	rec, fresh, found := cache.Get(ctx, "10.0.0.1")
	assert.True(t, found)
	assert.True(t, fresh)
	assert.Equal(t, "i-abc", rec.ID)

	// miniredis TTLs only advance through FastForward, not wall-clock time.
	mr.FastForward(75 * time.Millisecond)

	rec, fresh, found = cache.Get(ctx, "10.0.0.1")
	assert.True(t, found)
	assert.False(t, fresh)
	assert.Equal(t, "i-abc", rec.ID)
}

type fakeEC2 struct {
	describeFn func(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	startFn    func(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	stopFn     func(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return f.describeFn(ctx, in, opts...)
}
func (f *fakeEC2) StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return f.startFn(ctx, in, opts...)
}
func (f *fakeEC2) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return f.stopFn(ctx, in, opts...)
}

type throttleError struct{}

func (throttleError) Error() string            { return "throttled" }
func (throttleError) ErrorCode() string         { return "RequestLimitExceeded" }
func (throttleError) ErrorMessage() string      { return "throttled" }
func (throttleError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestFindVMByPrivateIP_FallsBackToStaleOnThrottle(t *testing.T) {
	rdb, mr := newTestRedis(t)
	cache := NewVMCache(rdb, 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "10.0.0.9", VMRecord{ID: "i-stale", State: "running"}))

	// The fresh key expires quickly; the stale fallback key (written by the
	// same Set call, with its own 24h retention) survives.
	mr.FastForward(25 * time.Millisecond)

	calls := 0
	client := &fakeEC2{
		describeFn: func(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			calls++
			return nil, throttleError{}
		},
	}
	adapter := &computeAdapter{client: client, cache: cache}

	id, state, err := adapter.FindVMByPrivateIP(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "i-stale", id)
	assert.Equal(t, VMRunning, state)
	assert.Equal(t, 2, calls, "expected one initial call plus one retryOnce retry")
}

func TestClassifyEC2Error(t *testing.T) {
	err := classifyEC2Error("op", &smithyAPIErrorStub{code: "InvalidInstanceID.NotFound"})
	assert.True(t, IsNotFound(err))

	err = classifyEC2Error("op", &smithyAPIErrorStub{code: "UnauthorizedOperation"})
	assert.True(t, IsUnauthorized(err))

	err = classifyEC2Error("op", &smithyAPIErrorStub{code: "RequestLimitExceeded"})
	assert.True(t, IsTransient(err))

	err = classifyEC2Error("op", errors.New("boom"))
	assert.True(t, IsTransient(err))
}

type smithyAPIErrorStub struct{ code string }

func (e *smithyAPIErrorStub) Error() string            { return e.code }
func (e *smithyAPIErrorStub) ErrorCode() string         { return e.code }
func (e *smithyAPIErrorStub) ErrorMessage() string      { return e.code }
func (e *smithyAPIErrorStub) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestScalingConfig_Clamp(t *testing.T) {
	c := ScalingConfig{Desired: 0, Min: 2, Max: 5}.Clamp()
	assert.Equal(t, 2, c.Desired)

	c = ScalingConfig{Desired: 10, Min: 2, Max: 5}.Clamp()
	assert.Equal(t, 5, c.Desired)

	c = ScalingConfig{Desired: 3, Min: 2, Max: 5}.Clamp()
	assert.Equal(t, 3, c.Desired)
}

func TestClassifyPod_CrashLoop(t *testing.T) {
	p := Pod{
		ContainerStatuses: []ContainerStatus{{Name: "app", WaitingReason: "CrashLoopBackOff"}},
	}
	assert.Equal(t, PodCrashLoop, ClassifyPod(p))

	p = Pod{RestartCount: 6}
	assert.Equal(t, PodCrashLoop, ClassifyPod(p))

	p = Pod{InitStatuses: []ContainerStatus{{Name: "init", WaitingReason: "ImagePullBackOff"}}}
	assert.Equal(t, PodCrashLoop, ClassifyPod(p))
}

func TestProber_HTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(true)
	host := srv.Listener.Addr().String()
	result := p.HTTPProbe(context.Background(), host, 2*time.Second, map[int]bool{200: true})
	assert.Equal(t, HTTPUp, result.Verdict)
	assert.Equal(t, http.StatusOK, result.Code)
}

func TestProber_TCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	p := NewProber(false)
	addr := ln.Addr().(*net.TCPAddr)
	verdict := p.TCPProbe(context.Background(), "127.0.0.1", addr.Port, 2*time.Second)
	assert.Equal(t, TCPOpen, verdict)
}

func TestProber_TCPProbe_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewProber(false)
	verdict := p.TCPProbe(context.Background(), "127.0.0.1", port, 500*time.Millisecond)
	assert.Equal(t, TCPRefused, verdict)
}

func TestRetryOnce_RetriesTransientExactlyOnce(t *testing.T) {
	calls := 0
	err := retryOnce(context.Background(), "op", func() error {
		calls++
		return NewError("op", KindTransient, errors.New("boom"))
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryOnce_DoesNotRetryFatal(t *testing.T) {
	calls := 0
	err := retryOnce(context.Background(), "op", func() error {
		calls++
		return NewError("op", KindFatal, errors.New("boom"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
