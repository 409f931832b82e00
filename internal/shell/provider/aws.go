package provider

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	coreprovider "github.com/artpar/conductor/internal/core/provider"
)

// AWSLister lists EC2 regions.
type AWSLister struct {
	client *ec2.Client
	logger *slog.Logger
}

// NewAWSLister creates an EC2 region lister.
func NewAWSLister(creds coreprovider.Credentials, endpoint string, logger *slog.Logger) *AWSLister {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := ec2.Options{
		Region:           region,
		Credentials:      credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		RetryMaxAttempts: 2,
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &AWSLister{
		client: ec2.New(opts),
		logger: logger.With("provider", coreprovider.AWS),
	}
}

// ListRegions returns opted-in AWS regions, or the static catalog when the
// API is unreachable.
func (l *AWSLister) ListRegions(ctx context.Context) ([]coreprovider.Region, error) {
	out, err := l.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("opt-in-status"), Values: []string{"opt-in-not-required", "opted-in"}},
		},
	})
	if err != nil {
		l.logger.Warn("describe regions failed, using static catalog", "error", err)
		return coreprovider.AWSRegions(), nil
	}

	regions := make([]coreprovider.Region, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, coreprovider.Region{
			ID:        aws.ToString(r.RegionName),
			Name:      aws.ToString(r.RegionName),
			Available: true,
		})
	}
	return regions, nil
}
