// Package valuation wires the generic graph runtime into a reference
// valuation graph for a multi-agent securities research workflow. Every
// node it defines is a graph.Node like any other; this package supplies
// the concrete schema, topology, and dependencies a deployment runs.
package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/sosodennis/valuation-graph/artifact"
	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/graph/model"
	"github.com/sosodennis/valuation-graph/interrupt"
)

// Schema declares the reference valuation graph's channels.
// valuation_models and debate_transcript are Append channels since more
// than one node writes into them over the course of a run.
func Schema() *graph.Schema {
	return graph.NewSchema(
		graph.Channel{Name: "ticker", Reducer: graph.Overwrite},
		graph.Channel{Name: "market_data", Reducer: graph.Overwrite},
		graph.Channel{Name: "filings_summary", Reducer: graph.Overwrite},
		graph.Channel{Name: "valuation_models", Reducer: graph.Append},
		graph.Channel{Name: "sentiment", Reducer: graph.Overwrite},
		graph.Channel{Name: "debate_transcript", Reducer: graph.Append},
		graph.Channel{Name: "approval", Reducer: graph.Overwrite},
		graph.Channel{Name: "final_report", Reducer: graph.Overwrite},
	)
}

// MarketDataFetcher retrieves a raw price series for ticker. Callers
// supply their own implementation; the graph treats it as a black box.
type MarketDataFetcher func(ctx context.Context, ticker string) ([]byte, error)

// FilingsFetcher retrieves and summarizes a ticker's recent filings.
// Also a black-box callable the caller supplies.
type FilingsFetcher func(ctx context.Context, ticker string) (string, error)

// ModelEstimate is one entry of the valuation_models channel.
type ModelEstimate struct {
	Model          string  `json:"model"`
	EstimatedValue float64 `json:"estimated_value"`
	Rationale      string  `json:"rationale"`
}

// DebateTurn is one entry of the debate_transcript channel.
type DebateTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// ApprovalRequest is the payload a request_approval node surfaces through
// interrupt.Interrupt when the recommended valuation exceeds Deps'
// configured threshold. Its jsonschema tags are what
// interrupt.DescribePayload reflects into the wire schema a client renders
// an approval form from.
type ApprovalRequest struct {
	Ticker           string  `json:"ticker" jsonschema:"required"`
	RecommendedValue float64 `json:"recommended_value" jsonschema:"required"`
	Threshold        float64 `json:"threshold" jsonschema:"required"`
	Summary          string  `json:"summary"`
}

// ApprovalDecision is the value a resume supplies back for an
// ApprovalRequest interrupt.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Deps are the black-box callables and backing stores the reference graph
// wires into its nodes. None of these are part of the graph runtime
// itself; they are supplied by the caller assembling a concrete
// deployment.
type Deps struct {
	MarketData MarketDataFetcher
	Filings    FilingsFetcher

	// SentimentModel, DebateModel, DCFModel, and ComparablesModel are the
	// ChatModel providers each analysis node invokes. A caller typically
	// wires model.anthropic/model.openai/model.google here; tests use
	// model.MockChatModel.
	SentimentModel   model.ChatModel
	DebateModel      model.ChatModel
	DCFModel         model.ChatModel
	ComparablesModel model.ChatModel

	Artifacts artifact.Store

	// Costs, if set, receives a recorded entry for every model.ChatModel
	// call the reference graph makes. Token counts are estimated from
	// prompt/response length (model.ChatOut carries no usage field), so
	// recorded costs are an approximation, not a billed total.
	Costs *graph.CostTracker
}

// Config tunes the reference graph's one business rule: when a
// recommendation requires sign-off before it can finalize.
type Config struct {
	// ApprovalThreshold is the dollar value above which request_approval
	// suspends for human sign-off rather than auto-approving.
	ApprovalThreshold float64
}

// clock is a seam for tests; production code always uses time.Now.
var clock = time.Now

// Build adds the reference valuation graph's nodes to eng and sets
// fetch_market_data as its entry node, using deps for the out-of-scope
// callables and cfg for the approval threshold. eng must already be
// constructed by the caller with Schema() (see cmd/valuationd for the
// production wiring), since graph.New requires a checkpoint.Saver and
// emit.Emitter the graph itself has no opinion about.
func Build(eng *graph.Engine, deps Deps, cfg Config) error {
	nodes := map[string]graph.Node{
		"fetch_market_data":         fetchMarketData(deps),
		"summarize_filings":         summarizeFilings(deps),
		"run_valuation_dcf":         runValuationModel(deps, deps.DCFModel, "dcf"),
		"run_valuation_comparables": runValuationModel(deps, deps.ComparablesModel, "comparables"),
		"analyze_sentiment":         analyzeSentiment(deps),
		"debate":                    debate(deps),
		"request_approval":          requestApproval(cfg),
		"finalize_report":           finalizeReport(deps),
	}
	for id, n := range nodes {
		if err := eng.Add(id, n); err != nil {
			return fmt.Errorf("valuation: add node %s: %w", id, err)
		}
	}
	return eng.StartAt("fetch_market_data")
}

func fetchMarketData(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.Command, error) {
		ticker, _ := state["ticker"].(string)
		threadID := graph.ThreadID(ctx)

		raw, err := deps.MarketData(ctx, ticker)
		if err != nil {
			return graph.Command{}, fmt.Errorf("fetch market data for %s: %w", ticker, err)
		}

		ref, err := deps.Artifacts.Put(ctx, threadID, "market_data", artifact.Blob{Data: raw, MimeType: "application/octet-stream"})
		if err != nil {
			return graph.Command{}, fmt.Errorf("store market data artifact: %w", err)
		}

		return graph.Command{
			Update: graph.State{"market_data": ref},
			Goto:   []string{"summarize_filings"},
		}, nil
	}
}

func summarizeFilings(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.Command, error) {
		ticker, _ := state["ticker"].(string)

		summary, err := deps.Filings(ctx, ticker)
		if err != nil {
			return graph.Command{}, fmt.Errorf("summarize filings for %s: %w", ticker, err)
		}

		return graph.Command{
			Update: graph.State{"filings_summary": summary},
			Goto:   []string{"run_valuation_dcf", "run_valuation_comparables", "analyze_sentiment"},
		}, nil
	}
}

func runValuationModel(deps Deps, m model.ChatModel, name string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.Command, error) {
		ticker, _ := state["ticker"].(string)
		filings, _ := state["filings_summary"].(string)

		messages := []model.Message{
			{Role: model.RoleSystem, Content: fmt.Sprintf("You are a %s valuation analyst.", name)},
			{Role: model.RoleUser, Content: fmt.Sprintf("Ticker: %s\nFilings summary: %s\nEstimate fair value.", ticker, filings)},
		}
		out, err := m.Chat(ctx, messages, nil)
		if err != nil {
			return graph.Command{}, fmt.Errorf("%s valuation model: %w", name, err)
		}
		recordCost(deps.Costs, name, "run_valuation_"+name, messages, out)
		graph.EmitContentDelta(ctx, name, out.Text)

		estimate := ModelEstimate{Model: name, Rationale: out.Text}
		return graph.Command{
			Update:   graph.State{"valuation_models": estimate},
			Terminal: true,
		}, nil
	}
}

func analyzeSentiment(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.Command, error) {
		ticker, _ := state["ticker"].(string)

		messages := []model.Message{
			{Role: model.RoleSystem, Content: "You analyze market sentiment from recent news and filings."},
			{Role: model.RoleUser, Content: fmt.Sprintf("Ticker: %s", ticker)},
		}
		out, err := deps.SentimentModel.Chat(ctx, messages, nil)
		if err != nil {
			return graph.Command{}, fmt.Errorf("sentiment model: %w", err)
		}
		recordCost(deps.Costs, "sentiment", "analyze_sentiment", messages, out)
		graph.EmitContentDelta(ctx, "sentiment", out.Text)

		return graph.Command{
			Update: graph.State{"sentiment": out.Text},
			Goto:   []string{"debate"},
		}, nil
	}
}

func debate(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.Command, error) {
		sentiment, _ := state["sentiment"].(string)

		messages := []model.Message{
			{Role: model.RoleSystem, Content: "You moderate a bull/bear debate over a valuation recommendation."},
			{Role: model.RoleUser, Content: fmt.Sprintf("Sentiment: %s\nValuation models: %v", sentiment, state["valuation_models"])},
		}
		out, err := deps.DebateModel.Chat(ctx, messages, nil)
		if err != nil {
			return graph.Command{}, fmt.Errorf("debate model: %w", err)
		}
		recordCost(deps.Costs, "debate", "debate", messages, out)
		graph.EmitContentDelta(ctx, "debate", out.Text)

		turn := DebateTurn{Speaker: "moderator", Text: out.Text}
		return graph.Command{
			Update: graph.State{"debate_transcript": turn},
			Goto:   []string{"request_approval"},
		}, nil
	}
}

// requestApproval recommends a value from the models already collected
// and, above cfg.ApprovalThreshold, suspends for human sign-off via
// interrupt.Interrupt before finalize_report can run.
func requestApproval(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.Command, error) {
		ticker, _ := state["ticker"].(string)
		recommended := recommendedValue(state["valuation_models"])

		if recommended <= cfg.ApprovalThreshold {
			return graph.Command{
				Update: graph.State{"approval": ApprovalDecision{Approved: true, Note: "auto-approved: below threshold"}},
				Goto:   []string{"finalize_report"},
			}, nil
		}

		decision := interrupt.Interrupt(ctx, ApprovalRequest{
			Ticker:           ticker,
			RecommendedValue: recommended,
			Threshold:        cfg.ApprovalThreshold,
			Summary:          fmt.Sprintf("recommended value %.2f exceeds auto-approval threshold %.2f", recommended, cfg.ApprovalThreshold),
		})

		return graph.Command{
			Update: graph.State{"approval": decision},
			Goto:   []string{"finalize_report"},
		}, nil
	}
}

func finalizeReport(deps Deps) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.Command, error) {
		threadID := graph.ThreadID(ctx)
		ticker, _ := state["ticker"].(string)

		report := fmt.Sprintf(
			"Valuation report for %s\nGenerated: %s\nSentiment: %v\nModels: %v\nApproval: %v\n",
			ticker, clock().Format(time.RFC3339), state["sentiment"], state["valuation_models"], state["approval"],
		)

		ref, err := deps.Artifacts.Put(ctx, threadID, "final_report", artifact.Blob{Data: []byte(report), MimeType: "text/plain"})
		if err != nil {
			return graph.Command{}, fmt.Errorf("store final report artifact: %w", err)
		}

		return graph.Command{
			Update:   graph.State{"final_report": ref},
			Terminal: true,
		}, nil
	}
}

// recordCost logs an approximate cost entry for one model call. tracker
// may be nil (Deps.Costs is optional); model.ChatOut carries no token
// usage field, so input/output tokens are estimated from prompt and
// response character counts at a flat 4 characters per token.
func recordCost(tracker *graph.CostTracker, modelName, nodeID string, messages []model.Message, out model.ChatOut) {
	if tracker == nil {
		return
	}
	var promptChars int
	for _, m := range messages {
		promptChars += len(m.Content)
	}
	_ = tracker.RecordLLMCall(modelName, estimateTokens(promptChars), estimateTokens(len(out.Text)), nodeID)
}

func estimateTokens(chars int) int {
	const charsPerToken = 4
	return (chars + charsPerToken - 1) / charsPerToken
}

// recommendedValue averages whatever ModelEstimate-shaped entries are
// present in the valuation_models channel. State round-trips through JSON
// between supersteps, so entries surface as map[string]any rather than
// ModelEstimate once merged; both shapes are handled.
func recommendedValue(v any) float64 {
	items, _ := v.([]any)
	if len(items) == 0 {
		return 0
	}

	var total float64
	var count int
	for _, item := range items {
		switch t := item.(type) {
		case ModelEstimate:
			total += t.EstimatedValue
			count++
		case map[string]any:
			if ev, ok := t["estimated_value"].(float64); ok {
				total += ev
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
