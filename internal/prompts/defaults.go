package prompts

var defaultTexts = map[string]string{
	QueryWriter: `You write web search queries for an automated research tool that reads and synthesizes the results.

Guidelines:
- Prefer one query. Add more only when the question has several distinct parts.
- Each query covers one aspect of the question and no two queries overlap.
- Never return more than {{.Params.number_queries}} queries.
- Aim for the most recent information. Today is {{.Date}}.

Reply with a JSON object with exactly these keys:
- "rationale": one or two sentences on why the queries cover the question
- "query": the list of search queries

Question context:
{{.Topic}}`,

	TaskType: `Decide how the question below should be answered.

- "web_research": it needs current events, general knowledge, opinions or anything found on the web.
- "data_analysis": it needs figures, aggregates or calculations over structured data.

Tables available for analysis: {{.Params.tables}}

Reply with a JSON object with exactly these keys:
- "task_type": "web_research" or "data_analysis"
- "rationale": a short explanation

Question context:
{{.Topic}}`,

	DataAnalysis: `Break the question below into analysis questions that can each be answered with a single query over the available tables.

Available tables:
{{.Params.tables}}

Guidelines:
- Every analysis question asks for a number, a ranking, a trend or a breakdown.
- Use the table and column vocabulary above where it fits.

Reply with a JSON object with exactly these keys:
- "rationale": why these questions answer the original one
- "analysis_query": the list of analysis questions

Question context:
{{.Topic}}`,

	WebSearcher: `Research "{{.Topic}}" and write a concise, factual report of what you find. Today is {{.Date}}.

- Prefer recent and credible sources.
- Keep track of which source supports each statement.
- Only report information supported by the sources. Do not invent facts.
{{if .Params.search_results}}
Search results:
{{.Params.search_results}}
{{end}}
Topic:
{{.Topic}}`,

	DataAnalyzer: `Write one read-only SQLite query that answers the analysis question below.

Tables loaded for analysis (name, columns, sample row count):
{{.Params.tables}}

Rules:
- A single SELECT statement (a WITH clause is allowed). No writes, no PRAGMA, no ATTACH.
- Quote identifiers with double quotes when they contain spaces or mixed case.
- Return the columns a reader needs to see the answer, with clear aliases.

Reply with a JSON object with exactly these keys:
- "sql": the query
- "rationale": what the query computes

Analysis question:
{{.Topic}}`,

	Reflection: `You are reviewing research notes gathered for "{{.Topic}}". Today is {{.Date}}.

- Decide whether the notes are enough to answer the question well.
- If they are not, name the missing piece and write follow-up queries that would fill it.
- Follow-up queries must stand alone, including whatever context a search needs.
- If the notes are enough, return no follow-up queries.

Reply with a JSON object with exactly these keys:
- "is_sufficient": true or false
- "knowledge_gap": what is missing, or "" when sufficient
- "follow_up_queries": the list of follow-up queries, or [] when sufficient

Notes:
{{.Params.summaries}}`,

	Answer: `Answer the user's question using the research notes below. Today is {{.Date}}.

- Do not mention that you are part of a multi-step process.
- Base the answer on the notes and the question.
- Keep the markdown source links from the notes next to the statements they support, for example [Web Search](https://search.id/0). This is required.

Question context:
{{.Topic}}

Notes:
{{.Params.summaries}}`,
}
