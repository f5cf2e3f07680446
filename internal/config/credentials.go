package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Credentials holds the API keys resolved from the environment. The task
// configuration never carries secrets; they come from process environment
// or an optional .env file.
type Credentials struct {
	SearchAPIKey string
	LLMAPIKey    string
	LLMBaseURL   string
}

// requiredSearchKeys maps each search engine to the environment variable
// holding its key.
var requiredSearchKeys = map[string]string{
	"tavily": "TAVILY_API_KEY",
	"brave":  "BRAVE_API_KEY",
}

// LoadCredentials resolves the keys required by cfg. A .env file in the
// working directory is loaded first when present; real environment
// variables win over it.
func LoadCredentials(cfg *Config) (*Credentials, error) {
	// godotenv does not override variables that are already set.
	_ = godotenv.Load()

	creds := &Credentials{
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMBaseURL: os.Getenv("LLM_API_URL"),
	}
	if creds.LLMAPIKey == "" {
		creds.LLMAPIKey = os.Getenv("OPENAI_API_KEY")
	}

	var missing []string
	if creds.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}

	engine := strings.ToLower(cfg.Search.Engine)
	if envVar, ok := requiredSearchKeys[engine]; ok {
		creds.SearchAPIKey = os.Getenv(envVar)
		if creds.SearchAPIKey == "" {
			missing = append(missing, envVar)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required API keys: %s", strings.Join(missing, ", "))
	}
	return creds, nil
}
