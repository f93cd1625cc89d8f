// Package triage turns a patient message into an urgency verdict. It defines
// the Engine (deterministic signal scan, reasoning call, degraded fallback),
// the Reasoner boundary implemented by LLM providers, and the prompt and
// parsing helpers those providers share. The engine has no side effects on
// conversation history or the case queue.
package triage
