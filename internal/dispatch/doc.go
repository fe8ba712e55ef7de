// Package dispatch turns an expired scheduler cycle into a chat message.
//
// Two strategies are supported: a direct post of the rendered template, and
// a delegated post where a generator writes the text. Every outcome is
// appended to the dispatch log of the store.
package dispatch
