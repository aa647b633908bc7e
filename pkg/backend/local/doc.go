// Package local implements an in-process agent backend on top of LLM
// provider SDKs (Anthropic, OpenAI) plus an offline echo provider.
//
// Sessions hold their message history in memory. Idle sessions are evicted
// on a cron schedule, after which turns against them report
// backend.ErrSessionNotFound like a remote server that lost its state.
package local
