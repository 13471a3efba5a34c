package cloudadapter

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Adapter is the uniform cloud/k8s control surface consumed by the
// orchestrators, status aggregator, and resource-share resolver. It
// composes three sub-clients, each wrapping a distinct dependency, plus
// the shared VM-lookup cache and probe helpers.
type Adapter struct {
	Compute   ComputeAPI
	Nodegroup NodegroupAPI
	Workload  WorkloadAPI
	Prober    *Prober
	Bearer    *BearerTokenGenerator

	ClusterName string
}

// Config holds the inputs needed to construct an Adapter.
type Config struct {
	AWSRegion          string
	ClusterName        string
	Kubeconfig         string // empty means in-cluster config
	RedisClient        *redis.Client
	VMCacheTTL         time.Duration
	InsecureHTTPProbes bool
}

// New constructs an Adapter from live AWS and k8s clients.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	bearer := NewBearerTokenGenerator(sts.NewFromConfig(awsCfg), cfg.ClusterName)

	kubeCfg, err := loadKubeConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading kube config: %w", err)
	}
	// Clear any static credentials the kubeconfig/in-cluster config carries;
	// the wrapped transport regenerates the bearer token on every request.
	kubeCfg.BearerToken = ""
	kubeCfg.BearerTokenFile = ""
	kubeCfg.WrapTransport = bearer.WrapTransport

	k8sClient, err := kubernetes.NewForConfig(kubeCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	cache := NewVMCache(cfg.RedisClient, cfg.VMCacheTTL)

	return &Adapter{
		Compute:     NewComputeAdapter(ec2.NewFromConfig(awsCfg), cache),
		Nodegroup:   NewNodegroupAdapter(eks.NewFromConfig(awsCfg)),
		Workload:    NewWorkloadAdapter(k8sClient),
		Prober:      NewProber(cfg.InsecureHTTPProbes),
		Bearer:      bearer,
		ClusterName: cfg.ClusterName,
	}, nil
}

func loadKubeConfig(path string) (*rest.Config, error) {
	if path == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", path)
}
