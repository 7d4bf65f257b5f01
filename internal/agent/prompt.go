package agent

import (
	"fmt"
	"strings"

	"uniq/internal/domain"
)

const assistantIdentity = `You are Uni-Q, an expert, friendly assistant for university students and faculty.`

// ContextPrompt builds the document-grounded prompt. Retrieved chunk texts
// are joined with blank lines into the Context section.
func ContextPrompt(student domain.StudentContext, chunks []domain.Chunk, question string) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, strings.TrimSpace(c.Text))
	}
	context := strings.Join(parts, "\n\n")
	if context == "" {
		context = "(no matching documents were found)"
	}

	return fmt.Sprintf(`%s Your primary responsibility is to answer questions based on the information provided in the context below.

## Student
Name: %s
Roll number: %s
Department: %s
Branch: %s
Semester: %s

## Guidelines
- Answer primarily from the provided context. Use general knowledge only to clarify it.
- If the context does not contain the answer, say clearly that the information is not available in the provided documents.
- Prefer material relevant to the student's department and semester.
- Format the answer in markdown (headers, lists, code blocks, emphasis) and keep the tone knowledgeable and approachable.
- Do not mention the context or the documents themselves.

Context:
%s

Question:
%s

Answer:
`, assistantIdentity,
		orUnknown(student.Name), orUnknown(student.RollNo), orUnknown(student.Department),
		orUnknown(student.Branch), orUnknown(student.Semester),
		context, strings.TrimSpace(question))
}

// GeneralPrompt builds the prompt used when no retrieval is needed.
func GeneralPrompt(student domain.StudentContext, question string) string {
	return fmt.Sprintf(`%s

You are talking with %s, a %s student in semester %s.
Reply conversationally and helpfully. If the question is about course material, suggest asking about the specific course or document.
Format the answer in markdown when it helps readability.

Question:
%s

Answer:
`, assistantIdentity, orUnknown(student.Name), orUnknown(student.Department), orUnknown(student.Semester),
		strings.TrimSpace(question))
}

// ClassificationPrompt asks the model for a single GENERAL or RAG word.
func ClassificationPrompt(student domain.StudentContext, question string) string {
	return fmt.Sprintf(`Classify this query as GENERAL or RAG:

GENERAL: greetings, casual chat, general knowledge questions, personal questions, jokes, weather, general advice not specific to courses
RAG: questions about specific course content, assignments, syllabus, documents, study materials, exam questions, project requirements, anything that needs document lookup

Examples:
- "hi" -> GENERAL
- "how are you" -> GENERAL
- "what is AI" -> GENERAL
- "explain chapter 3" -> RAG
- "what are the assignment guidelines" -> RAG
- "summarize the syllabus" -> RAG
- "how does IPO cycle work" -> RAG

Student: %s, %s
Query: %s

Answer with only GENERAL or RAG:
`, orUnknown(student.Department), orUnknown(student.Semester), strings.TrimSpace(question))
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
