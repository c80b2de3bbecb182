package clients

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/nulpointcorp/llm-security-gateway/internal/config"
)

// NewStore builds the client directory backend selected by settings.
//
// For the json backend, a missing file is not an error: the gateway runs in
// legacy mode (nil store, GATEWAY_API_KEYS only). The dynamodb backend always
// requires reachable AWS configuration.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ClientStoreBackend {
	case config.StoreBackendJSON:
		if cfg.ClientConfigPath == "" {
			return nil, nil
		}
		if _, err := os.Stat(cfg.ClientConfigPath); err != nil {
			return nil, nil // no directory file = legacy mode
		}
		return NewJSONStore(cfg.ClientConfigPath), nil

	case config.StoreBackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("clients: load aws config: %w", err)
		}
		return NewDynamoDBStore(awsCfg, cfg.DynamoDBTableName, cfg.DynamoDBEndpointURL), nil

	default:
		return nil, fmt.Errorf("clients: unknown store backend %q", cfg.ClientStoreBackend)
	}
}
