// Package decompose turns a free-form task request into an ordered list of
// subtask descriptions. The engine itself is external (an OpenAI compatible
// endpoint, a script, or the line splitter); Decomposer bounds the call with
// a timeout and rejects empty or malformed results instead of guessing.
package decompose
