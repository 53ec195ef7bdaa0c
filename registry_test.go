package quotarouter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qr "github.com/ineyio/quotarouter"
)

const (
	modelA = qr.ModelID("gemini:gemini-2.0-flash")
	modelB = qr.ModelID("groq:llama-3.3-70b-versatile")
)

func newTestRegistry(t *testing.T, opts ...qr.RegistryOption) (*qr.Registry, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts = append([]qr.RegistryOption{qr.WithRegistryClock(clock.Now)}, opts...)
	return qr.NewRegistry(qr.NewMemoryStore(), opts...), clock
}

func TestRegistry_GetProfileCreatesDefault(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	p, err := reg.GetProfile(ctx, "viral_topic_generation")
	require.NoError(t, err)
	assert.Equal(t, qr.CategoryCreative, p.Category)
	assert.Equal(t, qr.ComplexityHigh, p.Complexity)
	assert.Equal(t, 0.5, p.SuccessRate)
	assert.Equal(t, 5.0, p.AvgQuality)
	assert.False(t, p.HasHistory())
	assert.Empty(t, p.BestModel)

	all, err := reg.Profiles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "viral_topic_generation", all[0].Name)

	_, err = reg.GetProfile(ctx, "")
	assert.ErrorIs(t, err, qr.ErrInvalidRequest)
}

func TestRegistry_DeclaredOverridesAndFallback(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t,
		qr.WithTaskDecls([]qr.TaskDecl{{Name: "weekly_digest", Category: qr.CategoryAnalysis, AvgTokens: 800}}),
		qr.WithFallbackModels(map[qr.TaskCategory]qr.ModelID{qr.CategoryAnalysis: modelA}),
	)

	p, err := reg.GetProfile(ctx, "weekly_digest")
	require.NoError(t, err)
	assert.Equal(t, qr.CategoryAnalysis, p.Category)
	assert.Equal(t, 800.0, p.AvgTokens)
	assert.Equal(t, modelA, p.BestModel)
	assert.True(t, p.Declared)
}

func TestRegistry_RecordOutcomeLearnsBestModel(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t)
	task := "score_script"

	for i := 0; i < 3; i++ {
		require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{
			Task: task, Model: modelA, Success: true, Latency: 800 * time.Millisecond, Tokens: 400,
		}))
		clock.Advance(time.Second)
	}
	require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{
		Task: task, Model: modelB, Success: false, Kind: qr.KindRateLimited,
	}))

	p, err := reg.GetProfile(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, modelA, p.BestModel)
	assert.Equal(t, int64(4), p.TimesUsed)
	assert.Equal(t, 400.0, p.AvgTokens)
	require.Len(t, p.Recent, 4)

	a := p.Models[modelA]
	require.NotNil(t, a)
	assert.Equal(t, int64(3), a.Attempts)
	assert.Equal(t, int64(3), a.Successes)
	assert.InDelta(t, 0.6355, a.SuccessRate, 1e-9)
	assert.InDelta(t, 800.0, a.AvgLatencyMS, 1e-9)

	b := p.Models[modelB]
	require.NotNil(t, b)
	assert.InDelta(t, 0.45, b.SuccessRate, 1e-9)
	assert.True(t, b.LastSuccess.IsZero())

	hist, err := reg.ModelHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, hist[modelA].ErrorRate())
	assert.Equal(t, 1.0, hist[modelB].ErrorRate())
}

func TestRegistry_OneFailureKeepsStrongBestModel(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	task := "viral_topic_generation"

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: task, Model: modelA, Success: true}))
	}
	require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: task, Model: modelA, Success: false}))
	require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: task, Model: modelB, Success: true}))

	p, err := reg.GetProfile(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, modelA, p.BestModel)
}

func TestRegistry_FeedbackShiftsBestModel(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	task := "hook_writer"

	require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: task, Model: modelA, Success: true, Latency: 100 * time.Millisecond}))
	require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: task, Model: modelB, Success: true, Latency: 200 * time.Millisecond}))

	p, err := reg.GetProfile(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, modelA, p.BestModel, "equal scores fall back to lower latency")

	require.NoError(t, reg.RecordFeedback(ctx, task, modelB, 10))

	p, err = reg.GetProfile(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, modelB, p.BestModel)
	assert.InDelta(t, 5.5, p.Models[modelB].AvgQuality, 1e-9)

	assert.ErrorIs(t, reg.RecordFeedback(ctx, task, modelB, 11), qr.ErrInvalidRequest)
	assert.ErrorIs(t, reg.RecordFeedback(ctx, task, "no-provider", 5), qr.ErrInvalidRequest)
}

func TestRegistry_RecordOutcomeValidates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	err := reg.RecordOutcome(ctx, qr.OutcomeRecord{Model: modelA})
	assert.ErrorIs(t, err, qr.ErrInvalidRequest)

	err = reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: "t", Model: modelA, Quality: qr.Float64Ptr(-1)})
	assert.ErrorIs(t, err, qr.ErrInvalidRequest)
}

func TestRegistry_RecentIsBounded(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	for i := 0; i < 60; i++ {
		require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: "tag_video", Model: modelA, Success: i%2 == 0}))
	}

	p, err := reg.GetProfile(ctx, "tag_video")
	require.NoError(t, err)
	assert.Equal(t, int64(60), p.TimesUsed)
	assert.Len(t, p.Recent, 50)
}

func TestRegistry_ScanAndUpdate(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	_, err := reg.GetProfile(ctx, "old_unused")
	require.NoError(t, err)
	require.NoError(t, reg.RecordOutcome(ctx, qr.OutcomeRecord{Task: "old_used", Model: modelA, Success: true}))

	res, err := reg.ScanAndUpdate(ctx, []qr.TaskDecl{
		{Name: "new_task", Category: qr.CategoryEvaluation},
		{Name: "kept_task"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kept_task", "new_task"}, res.Added)
	assert.Equal(t, []string{"old_unused"}, res.Removed)

	profiles, err := reg.Profiles(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"kept_task", "new_task", "old_used"}, names)

	used := profiles[2]
	assert.False(t, used.Declared)
	assert.True(t, used.HasHistory())
	assert.Equal(t, qr.CategoryEvaluation, profiles[1].Category)

	// A second scan with the same list changes nothing.
	res, err = reg.ScanAndUpdate(ctx, []qr.TaskDecl{{Name: "new_task"}, {Name: "kept_task"}})
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
}

func TestRegistry_SharedStore(t *testing.T) {
	ctx := context.Background()
	store := qr.NewMemoryStore()
	a := qr.NewRegistry(store)
	b := qr.NewRegistry(store)

	require.NoError(t, a.RecordOutcome(ctx, qr.OutcomeRecord{Task: "t", Model: modelA, Success: true}))
	require.NoError(t, b.RecordOutcome(ctx, qr.OutcomeRecord{Task: "t", Model: modelA, Success: true}))

	p, err := a.GetProfile(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.TimesUsed)
}

func TestClassifyTask(t *testing.T) {
	tests := []struct {
		name string
		want qr.TaskCategory
	}{
		{"viral_topic_generation", qr.CategoryCreative},
		{"script_quality_gate", qr.CategoryEvaluation},
		{"hashtag_builder", qr.CategorySimple},
		{"competitor_trend_analysis", qr.CategoryAnalysis},
		{"misc", qr.CategorySimple},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qr.ClassifyTask(tt.name))
		})
	}

	assert.Equal(t, qr.ComplexityLow, qr.DefaultComplexity(qr.CategorySimple))
	assert.Equal(t, 2000, qr.DefaultMaxTokens(qr.CategoryCreative))
	assert.Equal(t, 500, qr.DefaultMaxTokens(qr.CategorySimple))
}
