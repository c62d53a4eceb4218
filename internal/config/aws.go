package config

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// AWS client defaults: standard retry mode with three attempts and a 10s connect timeout.
const (
	awsMaxAttempts    = 3
	awsConnectTimeout = 10 * time.Second
)

// LoadAWS resolves credentials and builds the shared SDK configuration for region.
// An empty region leaves resolution to the environment and shared config files.
func LoadAWS(ctx context.Context, region string) (aws.Config, error) {
	httpClient := awshttp.NewBuildableClient().WithDialerOptions(func(d *net.Dialer) {
		d.Timeout = awsConnectTimeout
	})

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithRetryMaxAttempts(awsMaxAttempts),
		awsconfig.WithHTTPClient(httpClient),
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
