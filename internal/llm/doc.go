// Package llm backs the agent classification stage with a Gemini model.
// Calls are rate limited, retried on transient failures and cached by
// transaction fingerprint.
package llm
