package valuation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosodennis/valuation-graph/artifact"
	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/graph/emit"
	"github.com/sosodennis/valuation-graph/graph/model"
	"github.com/sosodennis/valuation-graph/interrupt"
)

func testDeps(t *testing.T, dcfEstimate, compsEstimate float64) (Deps, *artifact.LocalStore) {
	t.Helper()
	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	return Deps{
		MarketData: func(ctx context.Context, ticker string) ([]byte, error) {
			return []byte("price series for " + ticker), nil
		},
		Filings: func(ctx context.Context, ticker string) (string, error) {
			return "quarterly revenue grew 8% yoy", nil
		},
		SentimentModel:   &model.MockChatModel{Responses: []model.ChatOut{{Text: "cautiously positive"}}},
		DebateModel:      &model.MockChatModel{Responses: []model.ChatOut{{Text: "bull case outweighs bear case"}}},
		DCFModel:         &model.MockChatModel{Responses: []model.ChatOut{{Text: "dcf rationale"}}},
		ComparablesModel: &model.MockChatModel{Responses: []model.ChatOut{{Text: "comps rationale"}}},
		Artifacts:        store,
	}, store
}

func buildTestEngine(t *testing.T, deps Deps, cfg Config) *graph.Engine {
	t.Helper()
	saver := checkpoint.NewMemStore()
	eng := graph.New(Schema(), saver, emit.NewNullEmitter())
	require.NoError(t, Build(eng, deps, cfg))
	return eng
}

func TestRecommendedValueAveragesMapEntries(t *testing.T) {
	v := recommendedValue([]any{
		map[string]any{"estimated_value": 100.0},
		map[string]any{"estimated_value": 200.0},
	})
	assert.Equal(t, 150.0, v)
}

func TestRecommendedValueIgnoresUnshapedEntries(t *testing.T) {
	v := recommendedValue([]any{"not a model estimate"})
	assert.Equal(t, 0.0, v)
}

func TestBuildRunAutoApprovesBelowThreshold(t *testing.T) {
	deps, store := testDeps(t, 10, 20)
	eng := buildTestEngine(t, deps, Config{ApprovalThreshold: 1_000_000})

	final, err := eng.Run(context.Background(), "thread-1", graph.State{"ticker": "ACME"})
	require.NoError(t, err)

	approval, _ := final["approval"].(map[string]any)
	require.NotNil(t, approval)
	assert.Equal(t, true, approval["approved"])

	models, _ := final["valuation_models"].([]any)
	assert.Len(t, models, 2)

	ref, _ := final["final_report"].(map[string]any)
	require.NotNil(t, ref)

	blob, err := store.Get(context.Background(), "thread-1", "final_report")
	require.NoError(t, err)
	assert.Contains(t, string(blob.Data), "ACME")
}

func TestBuildRunSuspendsAboveThresholdAndResumes(t *testing.T) {
	deps, _ := testDeps(t, 10, 20)
	// estimated_value defaults to 0 on MockChatModel-produced ModelEstimate
	// (only Rationale is populated), so the recommended value is 0; force a
	// suspend by setting the threshold below that.
	eng := buildTestEngine(t, deps, Config{ApprovalThreshold: -1})

	_, err := eng.Run(context.Background(), "thread-2", graph.State{"ticker": "WIDGE"})
	require.Error(t, err)

	var suspended *graph.SuspendedError
	require.True(t, errors.As(err, &suspended))
	require.Len(t, suspended.Suspensions, 1)

	id, payload := suspended.Suspensions[0].InterruptPayload()
	req, ok := payload.(ApprovalRequest)
	require.True(t, ok)
	assert.Equal(t, "WIDGE", req.Ticker)

	cmd := interrupt.NewResumeCommand().WithValue(id, ApprovalDecision{Approved: true, Reviewer: "analyst-1"})
	final, err := eng.Resume(context.Background(), "thread-2", "", cmd.Values)
	require.NoError(t, err)

	approval, _ := final["approval"].(map[string]any)
	require.NotNil(t, approval)
	assert.Equal(t, true, approval["approved"])
	assert.Equal(t, "analyst-1", approval["reviewer"])
}
