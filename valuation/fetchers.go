package valuation

import (
	"context"
	"fmt"

	"github.com/sosodennis/valuation-graph/graph/tool"
)

// NewHTTPMarketDataFetcher builds a MarketDataFetcher that retrieves a
// ticker's raw price series over HTTP through graph/tool's generic
// tool.Tool contract (tool.HTTPTool), the same request/response shape an
// LLM-invoked tool call would use. baseURL is queried as
// baseURL + "/" + ticker; a caller pointing at a real market-data provider
// supplies its own baseURL and, via headers, any required API key.
func NewHTTPMarketDataFetcher(baseURL string, headers map[string]interface{}) MarketDataFetcher {
	t := tool.NewHTTPTool()
	return func(ctx context.Context, ticker string) ([]byte, error) {
		body, err := callHTTPTool(ctx, t, baseURL+"/"+ticker, headers)
		if err != nil {
			return nil, fmt.Errorf("fetch market data: %w", err)
		}
		return []byte(body), nil
	}
}

// NewHTTPFilingsFetcher builds a FilingsFetcher over the same tool.HTTPTool
// contract, for a provider that returns a filings summary as a plain-text
// or JSON response body.
func NewHTTPFilingsFetcher(baseURL string, headers map[string]interface{}) FilingsFetcher {
	t := tool.NewHTTPTool()
	return func(ctx context.Context, ticker string) (string, error) {
		body, err := callHTTPTool(ctx, t, baseURL+"/"+ticker, headers)
		if err != nil {
			return "", fmt.Errorf("fetch filings summary: %w", err)
		}
		return body, nil
	}
}

// callHTTPTool issues a GET through t and extracts the response body,
// surfacing a non-2xx status as an error since tool.HTTPTool itself treats
// any completed HTTP round trip (including a 4xx/5xx) as a successful Call.
func callHTTPTool(ctx context.Context, t *tool.HTTPTool, url string, headers map[string]interface{}) (string, error) {
	out, err := t.Call(ctx, map[string]interface{}{
		"method":  "GET",
		"url":     url,
		"headers": headers,
	})
	if err != nil {
		return "", err
	}
	status, _ := out["status_code"].(int)
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("unexpected status %d from %s", status, url)
	}
	body, _ := out["body"].(string)
	return body, nil
}
