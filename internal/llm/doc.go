// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs so that the coordinator and handlers
// only ever deal with a plain prompt-in, text-out contract.
package llm
