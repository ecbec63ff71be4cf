package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/model"
)

func testExpanderConfig() config.ExpanderConfig {
	return config.ExpanderConfig{
		MaxQueries: 25,
		MaxTokens:  10,
		MinSupport: 2,
		Templates:  []string{"{token} agent startups", "companies like {token}"},
	}
}

// expanderFixture builds three fintech winners out of eight leads. Every lead
// shares "software", so it should rank below "fintech".
func expanderFixture() (*mockLeads, *mockEvents) {
	leads := &mockLeads{}
	events := &mockEvents{}
	for i := 0; i < 8; i++ {
		industry := "retail"
		if i < 3 {
			industry = "fintech"
		}
		id := fmt.Sprintf("lead-%d", i)
		leads.leads = append(leads.leads, model.Lead{
			ID:      id,
			Profile: model.Profile{Industry: industry, Description: "software"},
		})
		if i < 3 {
			events.events = append(events.events, model.OutcomeEvent{
				LeadID:    id,
				Kind:      model.OutcomePositiveReply,
				Breakdown: model.Breakdown{"AGN_PROD": {Matched: true, Matches: []string{"autonomous agents"}}},
			})
		}
	}
	events.events = append(events.events, model.OutcomeEvent{LeadID: "lead-5", Kind: model.OutcomeOptOut})
	return leads, events
}

func TestExpander_Run(t *testing.T) {
	leads, events := expanderFixture()
	sugg := &mockSuggestions{}
	e := NewExpander(leads, events, sugg, testExpanderConfig())

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Positives)
	assert.Equal(t, 8, res.Population)
	require.NotEmpty(t, res.Ranked)
	assert.Contains(t, []string{"agents", "autonomous", "fintech"}, res.Ranked[0].Token)
	assert.Equal(t, "software", res.Ranked[len(res.Ranked)-1].Token)

	require.Len(t, res.Suggestions, 4)
	assert.Equal(t, 1, sugg.appends)
	tokens := map[string]bool{}
	for _, s := range res.Suggestions {
		assert.False(t, tokens[s.Token])
		tokens[s.Token] = true
		assert.Equal(t, res.CycleID, s.CycleID)
		assert.NotEmpty(t, s.ID)
		assert.False(t, s.CreatedAt.IsZero())
	}
}

func TestExpander_SecondRunSkipsHistory(t *testing.T) {
	leads, events := expanderFixture()
	sugg := &mockSuggestions{}
	e := NewExpander(leads, events, sugg, testExpanderConfig())

	first, err := e.Run(context.Background())
	require.NoError(t, err)
	second, err := e.Run(context.Background())
	require.NoError(t, err)

	prior := map[string]bool{}
	for _, s := range first.Suggestions {
		prior[s.Query] = true
	}
	require.NotEmpty(t, second.Suggestions)
	for _, s := range second.Suggestions {
		assert.False(t, prior[s.Query], "query %q repeated", s.Query)
	}

	third, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, third.Suggestions, "both templates exhausted")
	assert.Equal(t, 2, sugg.appends)
}

func TestExpander_NoPositives(t *testing.T) {
	sugg := &mockSuggestions{}
	e := NewExpander(&mockLeads{}, &mockEvents{events: []model.OutcomeEvent{{LeadID: "a", Kind: model.OutcomeSilence}}}, sugg, testExpanderConfig())

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Suggestions)
	assert.Zero(t, sugg.appends)
}

func TestExpander_EventError(t *testing.T) {
	e := NewExpander(&mockLeads{}, &mockEvents{err: errors.New("db down")}, &mockSuggestions{}, testExpanderConfig())
	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expander: load events")
}

func TestExpander_DefaultTemplates(t *testing.T) {
	cfg := testExpanderConfig()
	cfg.Templates = nil
	e := NewExpander(&mockLeads{}, &mockEvents{}, &mockSuggestions{}, cfg)
	assert.Equal(t, config.DefaultQueryTemplates, e.cfg.Templates)
}
