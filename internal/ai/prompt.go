package ai

import "fmt"

const systemPromptTemplate = `You are an assistant answering questions about a website whose content is provided below as a single structured document. Base every answer strictly on the document. If the document does not contain the answer, say so instead of guessing. Preserve the document's terminology in your answers.

DOCUMENT:
%s`

const summaryPromptTemplate = `You are an assistant producing a study summary of a website whose content is provided below as a single structured document. Write a concise, well organized summary covering the main topics, key facts, and the structure of the site. Use the document only; do not add outside knowledge.

DOCUMENT:
%s`

// SummaryRequest is the user turn paired with the summary system prompt.
const SummaryRequest = "Summarize the document."

// SystemPrompt grounds a question-answering conversation in the document.
func SystemPrompt(documentText string) string {
	return fmt.Sprintf(systemPromptTemplate, documentText)
}

// SummaryPrompt grounds a one-shot summary request in the document.
func SummaryPrompt(documentText string) string {
	return fmt.Sprintf(summaryPromptTemplate, documentText)
}
