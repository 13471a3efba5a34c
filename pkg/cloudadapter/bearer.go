package cloudadapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// bearerTokenTTL is the presigned identity URL's validity window, enforced
// by passing it as the X-Amz-Expires header on every presign call below.
// The token is regenerated on every orchestration run and every
// status-aggregator invocation so that external permission changes take
// effect immediately, the same approach aws-iam-authenticator and EKS
// token generators use.
const bearerTokenTTL = 60 * time.Second

const (
	bearerTokenPrefix = "k8s-aws-v1."
	clusterIDHeader   = "x-k8s-aws-id"
	expiresHeader     = "X-Amz-Expires"
)

// BearerTokenGenerator mints short-lived bearer tokens for the managed-k8s
// control plane from a presigned STS GetCallerIdentity URL, mirroring how
// EKS authenticators exchange AWS identity for a Kubernetes bearer token.
type BearerTokenGenerator struct {
	presign     *sts.PresignClient
	clusterName string
}

// NewBearerTokenGenerator creates a generator scoped to one cluster.
func NewBearerTokenGenerator(client *sts.Client, clusterName string) *BearerTokenGenerator {
	return &BearerTokenGenerator{
		presign:     sts.NewPresignClient(client),
		clusterName: clusterName,
	}
}

// Generate produces a fresh bearer token, valid for bearerTokenTTL. Callers
// must not cache it past that window.
func (g *BearerTokenGenerator) Generate(ctx context.Context) (string, error) {
	req, err := g.presign.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{},
		func(po *sts.PresignOptions) {
			po.ClientOptions = append(po.ClientOptions,
				sts.WithAPIOptions(
					smithyhttp.SetHeaderValue(clusterIDHeader, g.clusterName),
					smithyhttp.SetHeaderValue(expiresHeader, strconv.Itoa(int(bearerTokenTTL.Seconds()))),
				),
			)
		},
	)
	if err != nil {
		return "", NewError("generate_bearer_token", KindTransient, fmt.Errorf("presigning caller identity: %w", err))
	}

	encoded := base64.RawURLEncoding.EncodeToString([]byte(req.URL))
	return bearerTokenPrefix + strings.TrimRight(encoded, "="), nil
}

// bearerRoundTripper injects a freshly generated bearer token into every
// outbound request's Authorization header, so the k8s client never reuses
// a token older than bearerTokenTTL.
type bearerRoundTripper struct {
	next      http.RoundTripper
	generator *BearerTokenGenerator
}

func (t *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.generator.Generate(req.Context())
	if err != nil {
		return nil, fmt.Errorf("regenerating bearer token: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	return t.next.RoundTrip(req)
}

// WrapTransport adapts Generate to rest.Config.WrapTransport, so every k8s
// API call made through the resulting client carries a token minted for
// that call rather than one cached at client construction time.
func (g *BearerTokenGenerator) WrapTransport(next http.RoundTripper) http.RoundTripper {
	return &bearerRoundTripper{next: next, generator: g}
}
