package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog/log"
)

// SSMAPI is the subset of the SSM client used for the overlay.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewSSMClient creates a Parameter Store client for the configured region.
func NewSSMClient(ctx context.Context, cfg SSMConfig) (*ssm.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// ApplySSM overrides secrets in cfg with parameters stored under
// cfg.SSM.Prefix. Missing parameters keep the file value.
func ApplySSM(ctx context.Context, client SSMAPI, cfg *Config) error {
	prefix := strings.TrimSuffix(cfg.SSM.Prefix, "/")
	if prefix == "" {
		return nil
	}

	overlay := []struct {
		name  string
		field *string
	}{
		{"routing_salt", &cfg.Identity.RoutingSalt},
		{"nats_url", &cfg.NATS.URL},
		{"redis_password", &cfg.Redis.Password},
	}

	for _, p := range overlay {
		name := prefix + "/" + p.name
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			var notFound *types.ParameterNotFound
			if errors.As(err, &notFound) {
				log.Debug().Str("parameter", name).Msg("SSM parameter not set, keeping file value")
				continue
			}
			return fmt.Errorf("failed to read SSM parameter %s: %w", name, err)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			continue
		}
		*p.field = *out.Parameter.Value
		log.Debug().Str("parameter", name).Msg("Applied SSM parameter")
	}
	return nil
}
