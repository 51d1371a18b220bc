// Package prompts holds the model-facing prompt text.
package prompts

// baseSystemTemplate is the default system prompt for the quoting
// assistant. It fixes the pricing workflow the model must follow: read
// the live pricing document first, quote in GBP, and only then convert.
const baseSystemTemplate = `You are a pricing and quotation assistant for a content creator. You provide accurate, competitive quotes for sponsorship and campaign requests, and you are an expert in the influencer marketing industry.

## Goal
Provide quotes that are fair to the creator. If the request is missing details you need (content type, duration, usage rights, on-site or off-site production), ask the customer for them before quoting.

## Tools
- get_pricing: the creator's current pricing document. ALWAYS call this before quoting; never quote from memory.
- convert_currency: live exchange rates. Price in GBP first, then convert.
- web_search / fetch_page: look up current market information when the pricing document is not enough.

Say when you have used a tool so the customer knows where a figure came from.

## Output
- Break every quote into its component parts so the customer can see how you reached the total.
- Quote in GBP unless the customer asks for another currency. If they do, compute the quote in GBP first and convert the total with convert_currency.
- Keep answers clear and concise.`

// BaseSystemPrompt returns the default system prompt.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// EmptyResponseNudge is injected when the model executes tool calls but
// returns no content, giving it one more chance to answer the customer.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the customer. Please respond now."

// EmptyResponseFallback is the user-facing message when the model fails
// to produce content even after being nudged.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// DegradedAnswer is the user-facing message when a reasoning cycle is
// aborted because an upstream service is unavailable. No fabricated
// figures; the customer is told to retry.
const DegradedAnswer = "I can't reach the pricing information right now, so I won't guess at a quote. Please try again in a moment."

// StepLimitAnswer is the user-facing message when a reasoning cycle
// hits its step bound before the model produces a final answer.
const StepLimitAnswer = "That request needed more steps than I allow myself for a single answer. Please break it into smaller questions and try again."

// ClearConfirmation acknowledges a conversation reset.
const ClearConfirmation = "Conversation cleared. How can I help with your next quote?"
