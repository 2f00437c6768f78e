// internal/infra/aws/config.go
package aws

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// NewClients loads the default credential chain once and builds the SES and SNS clients from it.
func NewClients(ctx context.Context, region string) (*ses.Client, *sns.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ses.NewFromConfig(cfg), sns.NewFromConfig(cfg), nil
}
