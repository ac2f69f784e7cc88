// Package localmodel implements the in-process language-model backend: it
// starts a streaming Genkit session against a provider/model reference,
// accumulates text-delta chunks, and validates the final output against an
// optional JSON Schema.
package localmodel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/fluxhive/runner/internal/backend"
	"github.com/fluxhive/runner/internal/schema"
)

// CredentialResolver looks up the API key and base URL configured for a
// provider, e.g. from a provider-specific credential store.
type CredentialResolver interface {
	Resolve(provider string) (apiKey, baseURL string, ok bool)
}

// Backend runs tasks against a local Genkit-backed model session.
type Backend struct {
	name    string
	creds   CredentialResolver
	genkits sync.Map // provider -> *genkit.Genkit
}

// New returns a localmodel backend identified as "local-model".
func New(creds CredentialResolver) *Backend {
	return &Backend{name: "local-model", creds: creds}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) CanExecute(name string) bool { return name == b.name }

// IsAvailable runs the preflight: at least one recognised provider must
// have usable credentials (an API key, a cloud-native identity, or a
// loopback base URL).
func (b *Backend) IsAvailable() bool {
	for _, provider := range []string{"google", "anthropic", "openai", "openai_compatible"} {
		if b.credentialsOK(provider) {
			return true
		}
	}
	return false
}

func (b *Backend) credentialsOK(provider string) bool {
	apiKey, baseURL, ok := b.creds.Resolve(provider)
	if !ok {
		return false
	}
	if apiKey != "" {
		return true
	}
	return isCloudNativeIdentity(provider) || isLoopback(baseURL)
}

func isCloudNativeIdentity(provider string) bool {
	return provider == "aws" || provider == "bedrock"
}

func isLoopback(baseURL string) bool {
	for _, host := range []string{"127.0.0.1", "localhost", "0.0.0.0"} {
		if strings.Contains(baseURL, host) {
			return true
		}
	}
	return false
}

// costPerThousandTokens is a rough $/1k-token blended rate per provider,
// used only to populate the coordinator's cost telemetry; it is not a
// billing-accurate figure.
var costPerThousandTokens = map[string]float64{
	"anthropic":         0.015,
	"openai":            0.01,
	"openai_compatible": 0.01,
	"google":            0.005,
}

// providerModel splits a "provider/model" reference. An empty provider
// defaults to "google".
func providerModel(ref string) (provider, model string) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return "google", ref
	}
	return parts[0], parts[1]
}

func (b *Backend) genkitFor(ctx context.Context, provider, apiKey, baseURL string) (*genkit.Genkit, error) {
	if cached, ok := b.genkits.Load(provider); ok {
		return cached.(*genkit.Genkit), nil
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: baseURL}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai_compatible", APIKey: apiKey, BaseURL: baseURL}))
	case "google", "":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("localmodel: unsupported provider %q", provider)
	}
	b.genkits.Store(provider, g)
	return g, nil
}

// Execute starts a streaming generate call, accumulates text, applies the
// resolved timeout via session abort, and validates the output schema.
func (b *Backend) Execute(ctx context.Context, opts backend.ExecuteOptions) (*backend.Result, error) {
	provider, model := providerModel(opts.Model)
	apiKey, baseURL, ok := b.creds.Resolve(provider)
	if !ok {
		return nil, fmt.Errorf("localmodel: no credentials configured for provider %q", provider)
	}
	if apiKey == "" && !isCloudNativeIdentity(provider) && !isLoopback(baseURL) {
		return nil, fmt.Errorf("localmodel: provider %q requires an api key", provider)
	}

	g, err := b.genkitFor(ctx, provider, apiKey, baseURL)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(opts.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu           sync.Mutex
		fullReply    strings.Builder
		aborted      bool
		timedOut     bool
		lastResponse *ai.ModelResponse
	)

	go func() {
		select {
		case <-opts.Cancel:
			mu.Lock()
			aborted = true
			mu.Unlock()
			cancel()
		case <-genCtx.Done():
			if genCtx.Err() != nil {
				mu.Lock()
				if !aborted {
					timedOut = true
				}
				mu.Unlock()
			}
		}
	}()

	modelName := provider + "/" + model
	stream := genkit.GenerateStream(genCtx, g, ai.WithModelName(modelName), ai.WithPrompt(opts.Prompt))

	var streamErr error
	for streamVal, err := range stream {
		if err != nil {
			streamErr = err
			break
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					mu.Lock()
					fullReply.WriteString(part.Text)
					mu.Unlock()
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			mu.Lock()
			lastResponse = streamVal.Response
			mu.Unlock()
		}
	}

	mu.Lock()
	wasAborted := aborted
	wasTimedOut := timedOut
	output := fullReply.String()
	finalResponse := lastResponse
	mu.Unlock()

	tokensUsed, costUsd := usageFromResponse(provider, finalResponse)

	if wasAborted {
		return &backend.Result{Status: backend.StatusCancelled, Output: "Cancelled by user request"}, nil
	}
	if wasTimedOut {
		return &backend.Result{Status: backend.StatusFailed, Output: fmt.Sprintf("timed out after %dms", timeout.Milliseconds())}, nil
	}
	if streamErr != nil {
		return &backend.Result{Status: backend.StatusFailed, Output: streamErr.Error()}, nil
	}

	if output == "" && finalResponse != nil {
		output = finalResponse.Text()
	}
	if output == "" {
		output = "(empty response)"
	}

	if len(opts.OutputSchemaJSON) > 0 {
		if verr := schema.Validate(opts.OutputSchemaJSON, output); verr != nil {
			return &backend.Result{Status: backend.StatusFailed, Output: verr.Error(), TokensUsed: tokensUsed, CostUsd: costUsd}, nil
		}
	}

	return &backend.Result{Status: backend.StatusDone, Output: output, TokensUsed: tokensUsed, CostUsd: costUsd}, nil
}

// usageFromResponse extracts the token count and an estimated dollar cost
// from the stream's final response, per provider's blended rate. A nil
// response or missing usage payload yields zero for both.
func usageFromResponse(provider string, resp *ai.ModelResponse) (tokensUsed int, costUsd float64) {
	if resp == nil || resp.Usage == nil {
		return 0, 0
	}
	tokensUsed = resp.Usage.TotalTokens
	if rate, ok := costPerThousandTokens[provider]; ok {
		costUsd = float64(tokensUsed) / 1000 * rate
	}
	return tokensUsed, costUsd
}
