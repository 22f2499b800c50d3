package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Keyring-Network/inquiryos/internal/llm"
	"github.com/Keyring-Network/inquiryos/internal/personality"
	"github.com/Keyring-Network/inquiryos/internal/store"
	"github.com/Keyring-Network/inquiryos/internal/webfetch"
	"github.com/Keyring-Network/inquiryos/internal/websearch"
)

const ModeLive = "live"

const maxSubquestions = 5

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]websearch.Result, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (webfetch.Page, error)
}

type LiveConfig struct {
	Provider     llm.Provider
	Searcher     Searcher
	Fetcher      Fetcher
	MaxResults   int
	MaxSources   int
	Concurrency  int
	SummaryChars int
	// Personality is prepended to the planner and synthesizer system prompts.
	Personality string
}

type live struct {
	cfg LiveConfig
}

// NewLiveSet wires the LLM provider, web search and page fetcher into a
// handler set.
func NewLiveSet(cfg LiveConfig) (*Set, error) {
	if cfg.Provider == nil || cfg.Searcher == nil || cfg.Fetcher == nil {
		return nil, errors.New("agents: live set requires provider, searcher and fetcher")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 8
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = webfetch.DefaultSummaryChars
	}
	l := &live{cfg: cfg}
	return NewSet(
		Func{Type: store.StepPlanner, Fn: l.plan},
		Func{Type: store.StepSearcher, Fn: l.search},
		Func{Type: store.StepReader, Fn: l.read},
		Func{Type: store.StepSynthesizer, Fn: l.synthesize},
	)
}

const plannerPrompt = `You break research questions into focused subquestions.
Reply with a JSON array of at most 5 short subquestion strings and nothing else.`

func (l *live) plan(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	reply, err := l.cfg.Provider.Generate(ctx, []llm.Message{
		{Role: "system", Content: personality.Compose(l.cfg.Personality, plannerPrompt)},
		{Role: "user", Content: input.Query},
	})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	subquestions := ParseSubquestions(reply)
	if len(subquestions) == 0 {
		subquestions = []string{strings.TrimSpace(input.Query)}
	}
	return store.PlannerOutput{Subquestions: subquestions}, nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// ParseSubquestions accepts a JSON array (optionally inside a code fence) or
// a bulleted/numbered list, and returns at most five non-blank entries.
func ParseSubquestions(reply string) []string {
	trimmed := strings.TrimSpace(reply)
	if start, end := strings.Index(trimmed, "["), strings.LastIndex(trimmed, "]"); start >= 0 && end > start {
		var parsed []string
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &parsed); err == nil {
			return capQuestions(parsed)
		}
	}
	lines := []string{}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		lines = append(lines, line)
	}
	return capQuestions(lines)
}

func capQuestions(values []string) []string {
	out := make([]string, 0, maxSubquestions)
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
		if len(out) == maxSubquestions {
			break
		}
	}
	return out
}

func (l *live) search(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	queries := append([]string{input.Query}, input.Subquestions...)
	scores := map[string]float64{}
	titles := map[string]string{}
	order := []string{}
	var lastErr error
	for _, query := range queries {
		results, err := l.cfg.Searcher.Search(ctx, query, l.cfg.MaxResults)
		if err != nil {
			lastErr = err
			continue
		}
		for rank, result := range results {
			score := rankScore(rank)
			current, seen := scores[result.URL]
			if !seen {
				order = append(order, result.URL)
				titles[result.URL] = result.Title
			}
			if !seen || score > current {
				scores[result.URL] = score
			}
		}
	}
	if len(order) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("search: %w", lastErr)
		}
		return nil, errors.New("search returned no results")
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	if len(order) > l.cfg.MaxSources {
		order = order[:l.cfg.MaxSources]
	}
	refs := make([]store.SourceRef, 0, len(order))
	for _, url := range order {
		score := scores[url]
		refs = append(refs, store.SourceRef{URL: url, Title: titles[url], RelevanceScore: &score})
	}
	return store.SearcherOutput{Sources: refs}, nil
}

func rankScore(rank int) float64 {
	score := 1.0 - 0.1*float64(rank)
	if score < 0.1 {
		return 0.1
	}
	return score
}

func (l *live) read(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	if len(prior.Sources) == 0 {
		return nil, errors.New("no sources available to read")
	}
	read := make([]store.ReadSource, len(prior.Sources))
	var (
		mu     sync.Mutex
		failed int
		cause  error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(l.cfg.Concurrency)
	for idx, source := range prior.Sources {
		read[idx] = store.ReadSource{ID: source.ID, URL: source.URL, Title: source.Title}
		group.Go(func() error {
			page, err := l.cfg.Fetcher.Fetch(groupCtx, source.URL)
			if err != nil {
				mu.Lock()
				failed++
				cause = err
				mu.Unlock()
				return nil
			}
			text := webfetch.ExtractText(page.HTML)
			read[idx].RawContent = text
			read[idx].Summary = webfetch.BasicSummary(text, l.cfg.SummaryChars)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failed == len(prior.Sources) {
		return nil, fmt.Errorf("read: no source could be fetched: %w", cause)
	}
	return store.ReaderOutput{Sources: read}, nil
}

const synthesizerPrompt = `You answer research questions using only the numbered sources provided.
Cite sources inline as [S1], [S2] and so on. Say so when the sources do not answer the question.`

func (l *live) synthesize(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	if len(prior.Sources) == 0 {
		return nil, errors.New("no sources available to synthesize")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSources:\n", input.Query)
	for idx, source := range prior.Sources {
		summary := source.Summary
		if summary == "" {
			summary = "(no summary available)"
		}
		fmt.Fprintf(&b, "[S%d] %s (%s)\n%s\n\n", idx+1, source.Title, source.URL, summary)
	}
	answer, err := l.cfg.Provider.Generate(ctx, []llm.Message{
		{Role: "system", Content: personality.Compose(l.cfg.Personality, synthesizerPrompt)},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return store.SynthesizerOutput{Answer: answer, CitedURLs: CitedURLs(answer, prior.Sources)}, nil
}

var citationMarker = regexp.MustCompile(`\[S(\d+)\]`)

// CitedURLs maps [Sn] markers in answer back to source urls, in first-use
// order. When the answer cites nothing, every source is returned.
func CitedURLs(answer string, sources []store.Source) []string {
	seen := map[int]bool{}
	cited := []string{}
	for _, match := range citationMarker.FindAllStringSubmatch(answer, -1) {
		var n int
		if _, err := fmt.Sscanf(match[1], "%d", &n); err != nil || n < 1 || n > len(sources) || seen[n] {
			continue
		}
		seen[n] = true
		cited = append(cited, sources[n-1].URL)
	}
	if len(cited) > 0 {
		return cited
	}
	for _, source := range sources {
		cited = append(cited, source.URL)
	}
	return cited
}
