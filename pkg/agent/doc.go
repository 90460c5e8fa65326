// Package agent runs the chat loop: an LLM provider produces tool calls,
// the runner dispatches them through the server registry, and the results
// feed back into the conversation. Agent traffic goes through the same
// supervision pipeline (gate, retry, breaker) as direct CLI calls.
package agent
