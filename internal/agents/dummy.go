package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Keyring-Network/inquiryos/internal/store"
)

const ModeDummy = "dummy"

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// NewDummySet returns deterministic handlers that never touch the network.
func NewDummySet() *Set {
	set, err := NewSet(
		Func{Type: store.StepPlanner, Fn: dummyPlan},
		Func{Type: store.StepSearcher, Fn: dummySearch},
		Func{Type: store.StepReader, Fn: dummyRead},
		Func{Type: store.StepSynthesizer, Fn: dummySynthesize},
	)
	if err != nil {
		panic(err)
	}
	return set
}

func dummyPlan(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, errors.New("query is empty")
	}
	return store.PlannerOutput{Subquestions: []string{
		fmt.Sprintf("What background is needed to answer: %s?", query),
		fmt.Sprintf("What are the main tradeoffs in: %s?", query),
		fmt.Sprintf("Which references best support an answer to: %s?", query),
	}}, nil
}

func dummySearch(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	slug := Slug(input.Query)
	overview, tradeoffs, reference := 0.9, 0.8, 0.75
	return store.SearcherOutput{
		Sources: []store.SourceRef{
			{
				URL:            fmt.Sprintf("https://example.com/articles/%s-overview", slug),
				Title:          "High-level overview related to your research question",
				RelevanceScore: &overview,
			},
			{
				URL:            fmt.Sprintf("https://example.com/blog/%s-tradeoffs", slug),
				Title:          "Discussion of tradeoffs and practical considerations",
				RelevanceScore: &tradeoffs,
			},
			{
				URL:            fmt.Sprintf("https://example.com/docs/%s-reference", slug),
				Title:          "Reference documentation or standards material",
				RelevanceScore: &reference,
			},
		},
		Notes: "dummy searcher: no web search performed",
	}, nil
}

func dummyRead(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	if len(prior.Sources) == 0 {
		return nil, errors.New("no sources available to read")
	}
	read := make([]store.ReadSource, 0, len(prior.Sources))
	for _, source := range prior.Sources {
		label := source.Title
		if label == "" {
			label = source.URL
		}
		read = append(read, store.ReadSource{
			ID:         source.ID,
			URL:        source.URL,
			Title:      source.Title,
			Summary:    fmt.Sprintf("Summary for %s. This represents a condensed version of the source content.", label),
			RawContent: fmt.Sprintf("This is dummy fetched content for source: %s. It simulates the full text content retrieved from the web.", label),
		})
	}
	return store.ReaderOutput{Sources: read}, nil
}

func dummySynthesize(ctx context.Context, input store.StepInput, prior Prior) (store.Output, error) {
	if len(prior.Sources) == 0 {
		return store.SynthesizerOutput{
			Answer: "No sources are currently attached to this research run. Run the searcher first to collect relevant sources.",
		}, nil
	}
	lines := []string{
		"This is a dummy synthesized answer based on the attached sources.",
		"",
		"Research question: " + input.Query,
		"",
		"The system considered the following sources:",
	}
	cited := make([]string, 0, len(prior.Sources))
	for idx, source := range prior.Sources {
		title := source.Title
		if title == "" {
			title = source.URL
		}
		lines = append(lines, fmt.Sprintf("%d. %s - %s", idx+1, title, source.URL))
		cited = append(cited, source.URL)
	}
	return store.SynthesizerOutput{Answer: strings.Join(lines, "\n"), CitedURLs: cited}, nil
}

// Slug turns a query into a url-safe fragment of at most 50 characters.
func Slug(query string) string {
	slug := strings.ToLower(strings.TrimSpace(query))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = slugInvalid.ReplaceAllString(slug, "")
	if len(slug) > 50 {
		slug = slug[:50]
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "research-topic"
	}
	return slug
}
