package advisor

import (
	"fmt"
	"strings"

	"github.com/spendo/spendo/internal/accounts"
	"github.com/spendo/spendo/internal/chat"
)

const basePrompt = "You are a well-versed financial advisor. Limit the response to under 500 characters.\n" +
	"If the question is about how the user can manage their money, respond with a brief description of their current balances. " +
	"Only do this if it benefits the response, and repeat it at most once per conversation unless asked again. " +
	"Format your answer with clear paragraphs and line breaks. Use bullet points if listing items."

// SystemPrompt builds the advisor's system message. Balances are
// appended when available so the advisor can ground its guidance in the
// user's actual numbers; a nil value yields the unenriched prompt.
func SystemPrompt(balances *accounts.Balances) string {
	if balances == nil {
		return basePrompt
	}
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\nHere is the user's financial data:\n")
	fmt.Fprintf(&b, "Cash balance: %.2f\n", balances.Cash)
	fmt.Fprintf(&b, "Savings balance: %.2f\n", balances.Savings)
	fmt.Fprintf(&b, "Investing/Retirement: %.2f", balances.InvestingRetirement)
	return b.String()
}

// Conversation assembles the completion messages: the system prompt
// followed by the thread's history in creation order. Items with no
// text content are skipped.
func Conversation(balances *accounts.Balances, history []chat.ThreadItem) []Message {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: "system", Content: SystemPrompt(balances)})
	for _, item := range history {
		text := item.Text()
		if text == "" {
			continue
		}
		messages = append(messages, Message{Role: string(item.Role), Content: text})
	}
	return messages
}
