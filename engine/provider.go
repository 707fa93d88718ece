package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	groqBaseURL       = "https://api.groq.com/openai/v1"
	azureCognitiveAPI = "https://cognitiveservices.azure.com/.default"
	authTypeEntraID   = "entra_id"
)

// CreateProvider builds the chat model the agent talks to. Models with a
// TPM or RPM limit are wrapped in a RateLimitedLLM.
func CreateProvider(ctx context.Context, p model.Provider) (llms.Model, error) {
	isEntraID := p.Type == model.ProviderAzure && strings.ToLower(p.AuthType) == authTypeEntraID
	if p.Type != model.ProviderVertex && !isEntraID && p.Token == "" {
		return nil, fmt.Errorf("provider token is empty")
	}
	if p.Model == "" {
		return nil, fmt.Errorf("provider model is empty")
	}

	var llmModel llms.Model
	var err error

	switch p.Type {
	case model.ProviderOpenAI, model.ProviderGroq:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		switch {
		case p.BaseURL != "":
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
			logger.Logger.Debug("Using custom base URL", "url", p.BaseURL)
		case p.Type == model.ProviderGroq:
			opts = append(opts, openai.WithBaseURL(groqBaseURL))
		}
		llmModel, err = openai.New(opts...)
	case model.ProviderGoogle:
		llmModel, err = googleai.New(ctx,
			googleai.WithAPIKey(p.Token),
			googleai.WithDefaultModel(p.Model),
		)
	case model.ProviderVertex:
		llmModel, err = vertex.New(ctx,
			googleai.WithDefaultModel(p.Model),
			googleai.WithCloudProject(p.ProjectID),
			googleai.WithCloudLocation(p.Location),
			googleai.WithCredentialsFile(p.CredentialsPath),
		)
	case model.ProviderAnthropic:
		llmModel, err = anthropic.New(
			anthropic.WithModel(p.Model),
			anthropic.WithToken(p.Token),
		)
	case model.ProviderAmazonAnthropic:
		llmModel, err = newBedrock(ctx, p)
	case model.ProviderAzure:
		llmModel, err = newAzure(ctx, p)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", p.Type)
	}

	if err != nil {
		return nil, err
	}
	if llmModel == nil {
		return nil, fmt.Errorf("provider created but model is nil")
	}

	if HasRateLimiting(p.RateLimits) {
		logger.Logger.Info("Wrapping provider with rate limiter",
			"name", p.Name,
			"tpm", p.RateLimits.TPM,
			"rpm", p.RateLimits.RPM)
		llmModel = NewRateLimitedLLM(llmModel, p.RateLimits, p.Model)
	}
	return llmModel, nil
}

func newBedrock(ctx context.Context, p model.Provider) (llms.Model, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(p.Location),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(p.Token, p.Secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return bedrock.New(
		bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
		bedrock.WithModel(p.Model),
	)
}

// newAzure authenticates with an api-key header by default, or with an
// Entra ID bearer token when auth_type is entra_id.
func newAzure(ctx context.Context, p model.Provider) (llms.Model, error) {
	if p.Version == "" {
		return nil, fmt.Errorf("azure provider requires version")
	}
	if p.BaseURL == "" {
		return nil, fmt.Errorf("azure provider requires base URL")
	}

	opts := []openai.Option{
		openai.WithModel(p.Model),
		openai.WithAPIVersion(p.Version),
		openai.WithBaseURL(p.BaseURL),
	}
	logger.Logger.Debug("Using Azure base URL", "url", p.BaseURL)

	if strings.ToLower(p.AuthType) == authTypeEntraID {
		logger.Logger.Debug("Using Entra ID authentication for Azure provider")
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		token, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{azureCognitiveAPI}})
		if err != nil {
			return nil, fmt.Errorf("failed to get Azure token: %w", err)
		}
		opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD), openai.WithToken(token.Token))
	} else {
		if p.Token == "" {
			return nil, fmt.Errorf("azure provider requires token when using api_key authentication")
		}
		opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithToken(p.Token))
	}

	return openai.New(opts...)
}
