package search

import (
	"fmt"
	"strings"
	"time"
)

// NewSearcher returns the client for the configured engine. The empty
// apiURL selects each provider's production endpoint.
func NewSearcher(engine, apiKey string, minInterval time.Duration) (Searcher, error) {
	switch strings.ToLower(engine) {
	case "tavily":
		return NewClient(apiKey, "", minInterval), nil
	case "brave":
		return NewBraveClient(apiKey, "", minInterval), nil
	default:
		return nil, fmt.Errorf("unsupported search engine %q", engine)
	}
}
