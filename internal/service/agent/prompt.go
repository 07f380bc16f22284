package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/financegpt/backend/internal/model/chat"
)

const systemPromptTemplate = `You are FinanceGPT, a highly capable financial assistant. Your purpose is to provide insightful and concise financial analysis to help users make informed decisions.

Today's date is %s.

When a user asks a finance-related question, follow these steps:
1. Identify the relevant financial data needed to answer the query
2. Use the market data provided below when it is relevant
3. Analyze the data and extract key insights
4. Provide a concise, helpful response

Rules:
- %s

Always maintain a helpful, professional tone and focus on giving accurate information.`

var promptRules = []string{
	"Format numeric data clearly with appropriate units and decimal places.",
	"Respond in a clear, concise manner focusing on the most relevant information.",
	"When a data lookup failed, say so instead of guessing numbers.",
	"Several people may share the conversation; each user turn is prefixed with the speaker's name.",
}

// buildSystemPrompt renders the persona with today's date and the prefetched
// market data, if any.
func buildSystemPrompt(now time.Time, marketData string) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf(systemPromptTemplate, now.Format("2006-01-02"), strings.Join(promptRules, "\n- ")))
	if marketData != "" {
		builder.WriteString("\n\nMarket data retrieved for this question (JSON):\n")
		builder.WriteString(marketData)
	}
	return builder.String()
}

// buildHistoryMessages converts stored turns to model messages. User turns are
// labelled with the speaker so group conversations stay attributable.
func buildHistoryMessages(messages []chat.Message, limit int) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if limit > 0 && len(messages) > limit {
		startIdx = len(messages) - limit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		default:
			history = append(history, schema.UserMessage(labelled(msg)))
		}
	}
	return history
}

func labelled(msg chat.Message) string {
	return msg.Label() + ": " + msg.Content
}

// FormatTranscript flattens messages into "<speaker>: <content>" paragraphs.
func FormatTranscript(messages []chat.Message) string {
	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(labelled(msg))
		builder.WriteString("\n\n")
	}
	return builder.String()
}
