// Package llm defines the provider-neutral data model and the adapter
// contract shared by every backend implementation. The rest of the system
// depends only on the types and interfaces here, never on a concrete
// provider SDK.
package llm
