package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	GroqBaseURL     = "https://api.groq.com/openai/v1"
	AzureTokenScope = "https://cognitiveservices.azure.com/.default"
	AuthTypeEntraID = "entra_id"
)

// ValidateProvider checks the fields every provider type needs before any
// network client is built.
func ValidateProvider(p model.Provider) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("provider name is empty")
	}
	isEntraID := p.Type == model.ProviderAzure && strings.EqualFold(p.AuthType, AuthTypeEntraID)
	if p.Type != model.ProviderVertex && !isEntraID && p.Token == "" {
		return fmt.Errorf("provider %s: token is empty", p.Name)
	}
	if p.Model == "" {
		return fmt.Errorf("provider %s: model is empty", p.Name)
	}
	switch p.Type {
	case model.ProviderAzure:
		if p.Version == "" {
			return fmt.Errorf("provider %s: Azure requires version", p.Name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: Azure requires baseUrl", p.Name)
		}
	case model.ProviderAmazonAnthropic:
		if p.Region == "" && p.Location == "" {
			return fmt.Errorf("provider %s: Bedrock requires region", p.Name)
		}
	case model.ProviderGroq, model.ProviderGoogle, model.ProviderVertex,
		model.ProviderAnthropic, model.ProviderOpenAI:
	default:
		return fmt.Errorf("unsupported provider type: %s", p.Type)
	}
	return nil
}

// CreateProvider builds the langchaingo model for p, wrapped with throttling
// and 429 retries when p asks for them.
func CreateProvider(ctx context.Context, p model.Provider) (llms.Model, error) {
	if err := ValidateProvider(p); err != nil {
		return nil, err
	}

	var retryClient *RetryAfterHTTPClient
	if p.Retry.RetryOn429 {
		retryClient = NewRetryAfterHTTPClient(nil)
		logger.Logger.Debug("Capturing Retry-After headers", "provider", p.Name)
	}

	var (
		llmModel llms.Model
		err      error
	)
	switch p.Type {
	case model.ProviderGroq, model.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		if retryClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryClient))
		}
		baseURL := p.BaseURL
		if baseURL == "" && p.Type == model.ProviderGroq {
			baseURL = GroqBaseURL
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
			logger.Logger.Debug("Using custom base URL", "url", baseURL)
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderGoogle:
		opts := []googleai.Option{
			googleai.WithAPIKey(p.Token),
			googleai.WithDefaultModel(p.Model),
		}
		if retryClient != nil {
			opts = append(opts, googleai.WithHTTPClient(retryClient.wrapped))
		}
		llmModel, err = googleai.New(ctx, opts...)

	case model.ProviderVertex:
		llmModel, err = vertex.New(ctx,
			googleai.WithDefaultModel(p.Model),
			googleai.WithCloudProject(p.ProjectID),
			googleai.WithCloudLocation(p.Location),
			googleai.WithCredentialsFile(p.CredentialsPath),
		)

	case model.ProviderAnthropic:
		opts := []anthropic.Option{
			anthropic.WithModel(p.Model),
			anthropic.WithToken(p.Token),
		}
		if retryClient != nil {
			opts = append(opts, anthropic.WithHTTPClient(retryClient))
		}
		llmModel, err = anthropic.New(opts...)

	case model.ProviderAmazonAnthropic:
		llmModel, err = newBedrock(ctx, p)

	case model.ProviderAzure:
		llmModel, err = newAzure(ctx, p, retryClient)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", p.Name, err)
	}
	if llmModel == nil {
		return nil, fmt.Errorf("provider %s created but model is nil", p.Name)
	}

	if NeedsWrapper(p.RateLimits, p.Retry) {
		logger.Logger.Info("Wrapping provider with rate limiter",
			"name", p.Name,
			"tpm", p.RateLimits.TPM,
			"rpm", p.RateLimits.RPM,
			"retry_on_429", p.Retry.RetryOn429)
		throttled := NewRateLimitedModel(llmModel, p.RateLimits, p.Retry, p.Model)
		if retryClient != nil {
			throttled.SetRetryAfterSource(retryClient)
		}
		llmModel = throttled
	}
	return llmModel, nil
}

func newBedrock(ctx context.Context, p model.Provider) (llms.Model, error) {
	region := p.Region
	if region == "" {
		region = p.Location
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(p.Token, p.Secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return bedrock.New(
		bedrock.WithClient(bedrockruntime.NewFromConfig(cfg)),
		bedrock.WithModel(p.Model),
	)
}

func newAzure(ctx context.Context, p model.Provider, retryClient *RetryAfterHTTPClient) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(p.Model),
		openai.WithAPIVersion(p.Version),
		openai.WithBaseURL(p.BaseURL),
	}
	if retryClient != nil {
		opts = append(opts, openai.WithHTTPClient(retryClient))
	}

	if strings.EqualFold(p.AuthType, AuthTypeEntraID) {
		logger.Logger.Debug("Using Entra ID authentication", "provider", p.Name)
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		token, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{AzureTokenScope}})
		if err != nil {
			return nil, fmt.Errorf("failed to get Azure token: %w", err)
		}
		opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD), openai.WithToken(token.Token))
	} else {
		opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithToken(p.Token))
	}
	return openai.New(opts...)
}

// FindProvider returns the provider config named name.
func FindProvider(providers []model.Provider, name string) (model.Provider, error) {
	p, err := slices.Find(providers, func(p model.Provider) bool { return p.Name == name })
	if err != nil {
		return model.Provider{}, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}
