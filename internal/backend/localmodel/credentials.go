package localmodel

import "os"

// EnvCredentialResolver resolves provider credentials from the process
// environment, grounded on the same provider/env-var mapping used by the
// embedded single-process model backend: ANTHROPIC_API_KEY, OPENAI_API_KEY,
// GEMINI_API_KEY (falling back to GOOGLE_API_KEY), and an optional base URL
// override per provider for self-hosted/OpenAI-compatible endpoints.
type EnvCredentialResolver struct{}

// Resolve implements CredentialResolver.
func (EnvCredentialResolver) Resolve(provider string) (apiKey, baseURL string, ok bool) {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("ANTHROPIC_BASE_URL"), true
	case "openai":
		return os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL"), true
	case "openai_compatible":
		return os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_COMPATIBLE_BASE_URL"), true
	case "google", "":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		return key, os.Getenv("GOOGLE_BASE_URL"), true
	default:
		return "", "", false
	}
}
