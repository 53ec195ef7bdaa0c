package quotarouter

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const registrySchema = 1

const (
	ewmaAlpha        = 0.1
	priorSuccessRate = 0.5
	priorQuality     = 5.0
	maxQuality       = 10.0

	successWeight = 0.6
	qualityWeight = 0.4

	recentOutcomes = 50
	scoreEpsilon   = 1e-9
)

// OutcomeRecord is the result of one provider attempt for a task.
type OutcomeRecord struct {
	Time    time.Time     `json:"time"`
	Task    string        `json:"task"`
	Model   ModelID       `json:"model"`
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	Quality *float64      `json:"quality,omitempty"`
	Kind    ErrorKind     `json:"kind,omitempty"`
	Tokens  int64         `json:"tokens,omitempty"`
}

// ModelStats is the learned performance of one model on one task.
type ModelStats struct {
	Attempts     int64     `json:"attempts"`
	Successes    int64     `json:"successes"`
	SuccessRate  float64   `json:"success_rate"`
	AvgQuality   float64   `json:"avg_quality"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastUsed     time.Time `json:"last_used"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
}

// Score blends success rate and quality into one figure in [0, 1].
func (m ModelStats) Score() float64 {
	return successWeight*m.SuccessRate + qualityWeight*m.AvgQuality/maxQuality
}

// TaskProfile is the learned routing record of one task.
type TaskProfile struct {
	Name        string                  `json:"name"`
	Category    TaskCategory            `json:"category"`
	Complexity  Complexity              `json:"complexity"`
	AvgTokens   float64                 `json:"avg_tokens"`
	BestModel   ModelID                 `json:"best_model,omitempty"`
	SuccessRate float64                 `json:"success_rate"`
	AvgQuality  float64                 `json:"avg_quality"`
	TimesUsed   int64                   `json:"times_used"`
	LastUsed    time.Time               `json:"last_used,omitempty"`
	Declared    bool                    `json:"declared"`
	Models      map[ModelID]*ModelStats `json:"models,omitempty"`
	Recent      []OutcomeRecord         `json:"recent,omitempty"`
}

// HasHistory reports whether any outcome was ever recorded.
func (p TaskProfile) HasHistory() bool {
	return p.TimesUsed > 0 || len(p.Models) > 0
}

func (p TaskProfile) clone() TaskProfile {
	c := p
	if p.Models != nil {
		c.Models = make(map[ModelID]*ModelStats, len(p.Models))
		for id, s := range p.Models {
			st := *s
			c.Models[id] = &st
		}
	}
	c.Recent = append([]OutcomeRecord(nil), p.Recent...)
	return c
}

// TaskDecl declares a task the pipeline uses, with optional overrides.
type TaskDecl struct {
	Name         string       `yaml:"name" json:"name"`
	Category     TaskCategory `yaml:"category" json:"category,omitempty"`
	Complexity   Complexity   `yaml:"complexity" json:"complexity,omitempty"`
	AvgTokens    float64      `yaml:"avg_tokens" json:"avg_tokens,omitempty"`
	DefaultModel ModelID      `yaml:"default_model" json:"default_model,omitempty"`
}

// ScanResult lists the profiles added and removed by ScanAndUpdate.
type ScanResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// ModelHistory aggregates a model's outcomes over all tasks.
type ModelHistory struct {
	Attempts    int64
	Failures    int64
	LastSuccess time.Time
}

// ErrorRate returns failures over attempts, zero without attempts.
func (h ModelHistory) ErrorRate() float64 {
	if h.Attempts == 0 {
		return 0
	}
	return float64(h.Failures) / float64(h.Attempts)
}

type registryState struct {
	Tasks map[string]*TaskProfile `json:"tasks"`
}

// Registry owns task profiles and learns which model serves each task best.
type Registry struct {
	store     RecordStore
	now       func() time.Time
	decls     map[string]TaskDecl
	fallbacks map[TaskCategory]ModelID
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used for timestamps.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithTaskDecls sets declared task overrides used when profiles are created.
func WithTaskDecls(decls []TaskDecl) RegistryOption {
	return func(r *Registry) {
		for _, d := range decls {
			r.decls[d.Name] = d
		}
	}
}

// WithFallbackModels sets the conservative best model per category for new
// profiles.
func WithFallbackModels(fallbacks map[TaskCategory]ModelID) RegistryOption {
	return func(r *Registry) {
		for c, id := range fallbacks {
			r.fallbacks[c] = id
		}
	}
}

// NewRegistry creates a Registry on top of store.
func NewRegistry(store RecordStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:     store,
		now:       time.Now,
		decls:     make(map[string]TaskDecl),
		fallbacks: make(map[TaskCategory]ModelID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) newProfile(name string) *TaskProfile {
	d, declared := r.decls[name]
	d.Name = name
	return r.profileFromDecl(d, declared)
}

func (r *Registry) profileFromDecl(d TaskDecl, declared bool) *TaskProfile {
	name := d.Name
	p := &TaskProfile{
		Name:        name,
		Category:    d.Category,
		Complexity:  d.Complexity,
		AvgTokens:   d.AvgTokens,
		BestModel:   d.DefaultModel,
		SuccessRate: priorSuccessRate,
		AvgQuality:  priorQuality,
		Declared:    declared,
	}
	if !p.Category.Valid() {
		p.Category = ClassifyTask(name)
	}
	if p.Complexity == "" {
		p.Complexity = DefaultComplexity(p.Category)
	}
	if p.BestModel == "" {
		p.BestModel = r.fallbacks[p.Category]
	}
	return p
}

func (s *registryState) profile(r *Registry, name string) (*TaskProfile, bool) {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*TaskProfile)
	}
	if p, ok := s.Tasks[name]; ok {
		return p, false
	}
	p := r.newProfile(name)
	s.Tasks[name] = p
	return p, true
}

// GetProfile returns the profile of a task, creating and persisting a
// default one on first reference. Errors come only from persistence.
func (r *Registry) GetProfile(ctx context.Context, name string) (TaskProfile, error) {
	if name == "" {
		return TaskProfile{}, fmt.Errorf("%w: empty task name", ErrInvalidRequest)
	}

	state, err := loadState[registryState](ctx, r.store, RecordTaskRegistry, registrySchema)
	if err != nil {
		return TaskProfile{}, err
	}
	if p, ok := state.Tasks[name]; ok {
		return p.clone(), nil
	}

	var out TaskProfile
	err = updateState(ctx, r.store, RecordTaskRegistry, registrySchema, r.now, func(s *registryState) (bool, error) {
		p, created := s.profile(r, name)
		out = p.clone()
		return created, nil
	})
	return out, err
}

// Profiles returns every profile sorted by name.
func (r *Registry) Profiles(ctx context.Context) ([]TaskProfile, error) {
	state, err := loadState[registryState](ctx, r.store, RecordTaskRegistry, registrySchema)
	if err != nil {
		return nil, err
	}
	out := make([]TaskProfile, 0, len(state.Tasks))
	for _, p := range state.Tasks {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RecordOutcome folds one attempt into the task's rolling statistics and
// recomputes its best model. Stores implementing OutcomeAppender also get
// the raw record.
func (r *Registry) RecordOutcome(ctx context.Context, rec OutcomeRecord) error {
	if rec.Task == "" || !rec.Model.Valid() {
		return fmt.Errorf("%w: outcome needs task and model", ErrInvalidRequest)
	}
	if rec.Quality != nil && (*rec.Quality < 0 || *rec.Quality > maxQuality) {
		return fmt.Errorf("%w: quality %.2f outside [0, %.0f]", ErrInvalidRequest, *rec.Quality, maxQuality)
	}
	if rec.Time.IsZero() {
		rec.Time = r.now().UTC()
	}

	err := updateState(ctx, r.store, RecordTaskRegistry, registrySchema, r.now, func(s *registryState) (bool, error) {
		p, _ := s.profile(r, rec.Task)
		applyOutcome(p, rec)
		return true, nil
	})
	if err != nil {
		return err
	}

	if app, ok := r.store.(OutcomeAppender); ok {
		if err := app.AppendOutcome(ctx, rec); err != nil {
			return fmt.Errorf("%w: append outcome: %v", ErrStatePersistence, err)
		}
	}
	return nil
}

// RecordFeedback applies a quality score reported after the fact.
func (r *Registry) RecordFeedback(ctx context.Context, task string, model ModelID, quality float64) error {
	if task == "" || !model.Valid() {
		return fmt.Errorf("%w: feedback needs task and model", ErrInvalidRequest)
	}
	if quality < 0 || quality > maxQuality {
		return fmt.Errorf("%w: quality %.2f outside [0, %.0f]", ErrInvalidRequest, quality, maxQuality)
	}
	return updateState(ctx, r.store, RecordTaskRegistry, registrySchema, r.now, func(s *registryState) (bool, error) {
		p, _ := s.profile(r, task)
		st := p.stats(model)
		st.AvgQuality = ewma(st.AvgQuality, quality)
		p.AvgQuality = ewma(p.AvgQuality, quality)
		p.BestModel = bestModel(p)
		return true, nil
	})
}

// ScanAndUpdate reconciles profiles with the tasks the pipeline declares.
// New names get stub profiles; undeclared profiles are removed only if they
// have no recorded history.
func (r *Registry) ScanAndUpdate(ctx context.Context, declared []TaskDecl) (ScanResult, error) {
	var res ScanResult
	err := updateState(ctx, r.store, RecordTaskRegistry, registrySchema, r.now, func(s *registryState) (bool, error) {
		res = ScanResult{}
		names := make(map[string]bool, len(declared))
		for _, d := range declared {
			if d.Name == "" {
				continue
			}
			names[d.Name] = true
			if s.Tasks == nil {
				s.Tasks = make(map[string]*TaskProfile)
			}
			if p, ok := s.Tasks[d.Name]; ok {
				p.Declared = true
				continue
			}
			s.Tasks[d.Name] = r.profileFromDecl(d, true)
			res.Added = append(res.Added, d.Name)
		}
		for name, p := range s.Tasks {
			if names[name] {
				continue
			}
			if p.HasHistory() {
				p.Declared = false
				continue
			}
			delete(s.Tasks, name)
			res.Removed = append(res.Removed, name)
		}
		sort.Strings(res.Added)
		sort.Strings(res.Removed)
		return true, nil
	})
	return res, err
}

// ModelHistory aggregates attempts and failures per model across tasks.
func (r *Registry) ModelHistory(ctx context.Context) (map[ModelID]ModelHistory, error) {
	state, err := loadState[registryState](ctx, r.store, RecordTaskRegistry, registrySchema)
	if err != nil {
		return nil, err
	}
	out := make(map[ModelID]ModelHistory)
	for _, p := range state.Tasks {
		for id, st := range p.Models {
			h := out[id]
			h.Attempts += st.Attempts
			h.Failures += st.Attempts - st.Successes
			if st.LastSuccess.After(h.LastSuccess) {
				h.LastSuccess = st.LastSuccess
			}
			out[id] = h
		}
	}
	return out, nil
}

func (p *TaskProfile) stats(id ModelID) *ModelStats {
	if p.Models == nil {
		p.Models = make(map[ModelID]*ModelStats)
	}
	st, ok := p.Models[id]
	if !ok {
		st = &ModelStats{SuccessRate: priorSuccessRate, AvgQuality: priorQuality}
		p.Models[id] = st
	}
	return st
}

func applyOutcome(p *TaskProfile, rec OutcomeRecord) {
	success := 0.0
	if rec.Success {
		success = 1.0
	}

	st := p.stats(rec.Model)
	st.Attempts++
	st.SuccessRate = ewma(st.SuccessRate, success)
	if rec.Success {
		st.Successes++
		st.LastSuccess = rec.Time
	}
	if rec.Quality != nil {
		st.AvgQuality = ewma(st.AvgQuality, *rec.Quality)
		p.AvgQuality = ewma(p.AvgQuality, *rec.Quality)
	}
	if rec.Latency > 0 {
		ms := float64(rec.Latency) / float64(time.Millisecond)
		if st.AvgLatencyMS == 0 {
			st.AvgLatencyMS = ms
		} else {
			st.AvgLatencyMS = ewma(st.AvgLatencyMS, ms)
		}
	}
	if rec.Time.After(st.LastUsed) {
		st.LastUsed = rec.Time
	}

	p.SuccessRate = ewma(p.SuccessRate, success)
	if rec.Tokens > 0 {
		if p.AvgTokens == 0 {
			p.AvgTokens = float64(rec.Tokens)
		} else {
			p.AvgTokens = ewma(p.AvgTokens, float64(rec.Tokens))
		}
	}
	p.TimesUsed++
	if rec.Time.After(p.LastUsed) {
		p.LastUsed = rec.Time
	}

	p.Recent = append(p.Recent, rec)
	if n := len(p.Recent); n > recentOutcomes {
		p.Recent = append([]OutcomeRecord(nil), p.Recent[n-recentOutcomes:]...)
	}
	p.BestModel = bestModel(p)
}

// bestModel picks the model with the highest blended score; ties go to the
// lower average latency, then the most recent use, then the smaller id.
// A profile without per-model stats keeps its current best model.
func bestModel(p *TaskProfile) ModelID {
	if len(p.Models) == 0 {
		return p.BestModel
	}
	ids := make([]ModelID, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	best := ids[0]
	for _, id := range ids[1:] {
		if betterStats(*p.Models[id], *p.Models[best]) {
			best = id
		}
	}
	return best
}

func betterStats(a, b ModelStats) bool {
	sa, sb := a.Score(), b.Score()
	if sa > sb+scoreEpsilon {
		return true
	}
	if sb > sa+scoreEpsilon {
		return false
	}
	if a.AvgLatencyMS != b.AvgLatencyMS {
		switch {
		case a.AvgLatencyMS == 0:
			return false
		case b.AvgLatencyMS == 0:
			return true
		}
		return a.AvgLatencyMS < b.AvgLatencyMS
	}
	return a.LastUsed.After(b.LastUsed)
}

func ewma(prev, sample float64) float64 {
	return (1-ewmaAlpha)*prev + ewmaAlpha*sample
}
