package research

import (
	"encoding/json"
	"fmt"
	"strings"

	"uniq/internal/domain"
)

// PlanPrompt asks the model for a JSON research plan.
func PlanPrompt(query string) string {
	return fmt.Sprintf(`You are an expert research assistant specializing in creating highly effective research plans. Your task is to generate a detailed, step-by-step research plan for the given query.

Your goal is to enable a user to efficiently find the most recent, authoritative, and relevant information on the query.

Query: %s

Guidance for your own thinking (not part of the output):
1. Deconstruct the query: identify the core subject and its implied scope.
2. Define 3-4 specific, measurable research objectives.
3. Brainstorm 4-6 varied search terms: overview, recent developments, expert analysis, technical aspects, reports. Include the current year where recency matters.
4. Identify 4-6 granular source types (academic journals, government reports, industry publications, technical documentation).
5. Develop 4-5 sections for structuring the final analysis.

Output format: a single valid JSON object with exactly these keys, each a list of strings:
{
  "objectives": ["..."],
  "search_queries": ["..."],
  "sources": ["..."],
  "analysis_framework": ["..."]
}

Respond with the JSON object only. Do not include comments or any explanatory text outside the JSON.
`, strings.TrimSpace(query))
}

// SynthesisPrompt embeds the plan and every source in the report prompt.
func SynthesisPrompt(query string, plan domain.ResearchPlan, results []domain.WebSearchResult) string {
	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		planJSON = []byte("{}")
	}

	var content strings.Builder
	for i, r := range results {
		fmt.Fprintf(&content, "Source %d (%s):\n%s\nURL: %s\n\n", i+1, r.SourceType, r.Content, r.URL)
	}
	gathered := strings.TrimSpace(content.String())
	if gathered == "" {
		gathered = "(no web sources were found; answer from general knowledge and say so)"
	}

	return fmt.Sprintf(`Based on the research plan and gathered information, provide a comprehensive, well-structured analysis:

Original Query: %s
Research Plan: %s
Gathered Information:
%s

Provide a detailed, structured response that:

1. **Directly addresses the original query** with clear, comprehensive answers
2. **Follows the research plan structure** and objectives
3. **Synthesizes information from multiple sources** with proper attribution
4. **Presents findings in a clear, organized manner** with:
   - Executive summary of key findings
   - Detailed analysis organized by themes/topics
   - Clear conclusions and implications
   - Proper source citations
5. **Maintains academic rigor** while being accessible and engaging
6. **Highlights conflicting information** and provides balanced perspectives

Structure your response with clear sections, bullet points for key findings, and include source links where relevant.
`, strings.TrimSpace(query), planJSON, gathered)
}
